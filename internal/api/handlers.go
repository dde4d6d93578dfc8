package api

import (
	"sync"
)

// Handler registry. Subsystems register their adapters at bootstrap;
// consumers fetch them lazily so registration order stays flexible.
var (
	providerHandler    ProviderHandler
	keyStoreHandler    KeyStoreHandler
	rateLimiterHandler RateLimiterHandler
	classifierHandler  ClassifierHandler
	routerHandler      RouterHandler
	safetyHandler      SafetyHandler
	trackerHandler     TrackerHandler
	catalogHandler     CatalogHandler

	handlerMutex sync.RWMutex
)

// RegisterProvider registers the provider registry handler.
func RegisterProvider(h ProviderHandler) {
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	providerHandler = h
}

// GetProvider returns the registered provider registry handler.
func GetProvider() ProviderHandler {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()
	return providerHandler
}

// RegisterKeyStore registers the API key store handler.
func RegisterKeyStore(h KeyStoreHandler) {
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	keyStoreHandler = h
}

// GetKeyStore returns the registered API key store handler.
func GetKeyStore() KeyStoreHandler {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()
	return keyStoreHandler
}

// RegisterRateLimiter registers the rate limiter handler.
func RegisterRateLimiter(h RateLimiterHandler) {
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	rateLimiterHandler = h
}

// GetRateLimiter returns the registered rate limiter handler.
func GetRateLimiter() RateLimiterHandler {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()
	return rateLimiterHandler
}

// RegisterClassifier registers the classifier service handler.
func RegisterClassifier(h ClassifierHandler) {
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	classifierHandler = h
}

// GetClassifier returns the registered classifier service handler.
func GetClassifier() ClassifierHandler {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()
	return classifierHandler
}

// RegisterRouter registers the router handler.
func RegisterRouter(h RouterHandler) {
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	routerHandler = h
}

// GetRouter returns the registered router handler.
func GetRouter() RouterHandler {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()
	return routerHandler
}

// RegisterSafety registers the safety engine handler.
func RegisterSafety(h SafetyHandler) {
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	safetyHandler = h
}

// GetSafety returns the registered safety engine handler.
func GetSafety() SafetyHandler {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()
	return safetyHandler
}

// RegisterTracker registers the generation tracker handler.
func RegisterTracker(h TrackerHandler) {
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	trackerHandler = h
}

// GetTracker returns the registered generation tracker handler.
func GetTracker() TrackerHandler {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()
	return trackerHandler
}

// RegisterCatalog registers the model catalog handler.
func RegisterCatalog(h CatalogHandler) {
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	catalogHandler = h
}

// GetCatalog returns the registered model catalog handler.
func GetCatalog() CatalogHandler {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()
	return catalogHandler
}

// ResetForTest clears all registered handlers. Tests that register
// adapters must call this in cleanup so handlers never leak across
// test cases.
func ResetForTest() {
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	providerHandler = nil
	keyStoreHandler = nil
	rateLimiterHandler = nil
	classifierHandler = nil
	routerHandler = nil
	safetyHandler = nil
	trackerHandler = nil
	catalogHandler = nil
}
