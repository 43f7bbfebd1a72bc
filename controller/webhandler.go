package controller

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"lautenbacher.net/autolight/config"
	"lautenbacher.net/autolight/sensor"
)

// SensorSource is the sensor side of the control plane.
type SensorSource interface {
	Snapshot() sensor.Snapshot
	SetThreshold(index int, threshold float64) error
}

// NewMux registers the HTTP API.
func NewMux(c *Controller, sensors SensorSource, cfile string) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/light", c.LightHandler())
	mux.HandleFunc("GET /api/sensors", SensorsHandler(sensors))
	mux.HandleFunc("PUT /api/sensors/{index}/threshold", ThresholdHandler(sensors))
	mux.HandleFunc("/api/config", config.ConfigHandler(cfile))
	return mux
}

type lightRequest struct {
	Power      *bool   `json:"power"`
	Brightness *int    `json:"brightness"`
	Effect     *string `json:"effect"`
}

// LightHandler serves the light state. A POST changes the fields that
// are present in the body.
func (c *Controller) LightHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, c.State())
		case http.MethodPost:
			defer r.Body.Close()
			var req lightRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
			var effect *Effect
			if req.Effect != nil {
				e, err := ParseEffect(*req.Effect)
				if err != nil {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
				effect = &e
			}
			if req.Brightness != nil && (*req.Brightness < 0 || *req.Brightness > 255) {
				http.Error(w, "brightness must be between 0 and 255", http.StatusBadRequest)
				return
			}
			st := c.Update(func(st LightState) LightState {
				if req.Power != nil {
					st.Power = *req.Power
				}
				if req.Brightness != nil {
					st.Brightness = uint8(*req.Brightness)
				}
				if effect != nil {
					st.Effect = *effect
				}
				return st
			})
			slog.Info("Light state set via API", "power", st.Power, "brightness", st.Brightness, "effect", st.Effect)
			writeJSON(w, st)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func SensorsHandler(sensors SensorSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, sensors.Snapshot())
	}
}

// ThresholdHandler sets the trip distance of one sensor. The body is
// {"threshold": <cm>}.
func ThresholdHandler(sensors SensorSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		index, err := strconv.Atoi(r.PathValue("index"))
		if err != nil {
			http.Error(w, "invalid sensor index", http.StatusBadRequest)
			return
		}
		var body struct {
			Threshold float64 `json:"threshold"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Threshold <= 0 {
			http.Error(w, "threshold must be a positive number", http.StatusBadRequest)
			return
		}
		if err := sensors.SetThreshold(index, body.Threshold); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, sensor.ErrInvalidDevice) {
				status = http.StatusNotFound
			}
			http.Error(w, err.Error(), status)
			return
		}
		slog.Info("Sensor threshold set via API", "index", index, "threshold", body.Threshold)
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
		http.Error(w, fmt.Sprintf("failed to encode response: %v", err), http.StatusInternalServerError)
	}
}
