// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
)

// LoadPayload returns a fixture file verbatim, eg a NOTIFY payload as the trigger function emits it.
func LoadPayload(filename string) (string, error) {
	_, currentFile, _, _ := runtime.Caller(0)
	data, err := os.ReadFile(filepath.Join(filepath.Dir(currentFile), filename))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// LoadJSON reads and unmarshals a JSON fixture. If target is provided, it attempts to unmarshal the JSON into the target struct.
func LoadJSON(filename string, target ...any) (map[string]any, error) {
	data, err := LoadPayload(filename)
	if err != nil {
		return nil, err
	}

	var result map[string]any
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		return nil, err
	}

	if len(target) > 0 && target[0] != nil {
		if err := json.Unmarshal([]byte(data), target[0]); err != nil {
			return nil, err
		}
	}
	return result, nil
}
