package server

import (
	"encoding/json"
	"fmt"
)

// stopSequences accepts both the string and []string encodings OpenAI
// clients send for "stop".
type stopSequences []string

func (s *stopSequences) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*s = nil
		return nil
	}
	if data[0] == '"' {
		var single string
		if err := json.Unmarshal(data, &single); err != nil {
			return err
		}
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("stop must be a string or array of strings: %w", err)
	}
	*s = many
	return nil
}

// inputStrings accepts both the string and []string encodings of the
// embeddings "input" field.
type inputStrings []string

func (s *inputStrings) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*s = nil
		return nil
	}
	if data[0] == '"' {
		var single string
		if err := json.Unmarshal(data, &single); err != nil {
			return err
		}
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("input must be a string or array of strings: %w", err)
	}
	*s = many
	return nil
}
