// Package health provides the HTTP health endpoint served while a run is
// in progress.
package health

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/terrpan/suiterun/internal/buildinfo"
)

// Response represents the health check response body.
type Response struct {
	Status       string    `json:"status"`
	ServiceName  string    `json:"service_name"`
	Version      string    `json:"version"`
	Commit       string    `json:"commit"`
	BuildTime    string    `json:"build_time"`
	GoVersion    string    `json:"go_version"`
	OS           string    `json:"os"`
	Architecture string    `json:"architecture"`
	Driver       string    `json:"driver"`
	Tag          string    `json:"tag"`
	Phase        string    `json:"phase"`
	Timestamp    time.Time `json:"timestamp"`
}

// Handler responds to health check requests with build info, the cluster
// driver, the run's tag and the phase reported by phase at request time.
// The status is always "healthy" (200 OK); this is a liveness check.
func Handler(driver, tag string, phase func() string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)

		response := Response{
			Status:       "healthy",
			ServiceName:  "suiterun",
			Version:      buildinfo.Version,
			Commit:       buildinfo.Commit,
			BuildTime:    buildinfo.BuildTime,
			GoVersion:    runtime.Version(),
			OS:           runtime.GOOS,
			Architecture: runtime.GOARCH,
			Driver:       driver,
			Tag:          tag,
			Phase:        phase(),
			Timestamp:    time.Now().UTC(),
		}

		_ = json.NewEncoder(w).Encode(response)
	}
}
