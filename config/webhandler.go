package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"gopkg.in/yaml.v3"
)

var errBadRequest = errors.New("bad request")

// ConfigHandler serves the runtime subset of the config file at cfile.
// A POST stores the merged file, the file watcher applies it.
func ConfigHandler(cfile string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			// the file may have been edited by hand
			conf, err := ReadConfig(cfile)
			if err != nil {
				slog.Error("Failed to read config for API", "error", err)
				http.Error(w, "Failed to read configuration", http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(conf.Runtime()); err != nil {
				slog.Warn("Failed to send runtime config", "error", err)
			}
		case http.MethodPost:
			err := updateFile(cfile, r)
			switch {
			case errors.Is(err, errBadRequest):
				slog.Warn("Rejected config update", "error", err)
				http.Error(w, err.Error(), http.StatusBadRequest)
			case err != nil:
				slog.Error("Failed to update config file", "error", err)
				http.Error(w, "Failed to save configuration", http.StatusInternalServerError)
			default:
				slog.Info("Updated config file via API", "file", cfile)
				fmt.Fprintln(w, "Configuration updated.")
			}
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

// updateFile merges the RuntimeConfig in the request body into cfile.
func updateFile(cfile string, r *http.Request) error {
	defer r.Body.Close()
	var rc RuntimeConfig
	if err := json.NewDecoder(r.Body).Decode(&rc); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}

	conf, err := ReadConfig(cfile)
	if err != nil {
		return err
	}
	if err := conf.Merge(rc); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if err := conf.Validate(); err != nil {
		return fmt.Errorf("%w: invalid configuration: %v", errBadRequest, err)
	}
	return Write(cfile, conf)
}

// Write stores conf as YAML at cfile.
func Write(cfile string, conf *Config) error {
	data, err := yaml.Marshal(conf)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(cfile, data, 0o644)
}
