package microservice

import (
	"encoding/json"
	"net/http"

	"github.com/illmade-knight/go-jobfeed/pkg/realtime"
)

// RealtimeStatus is the view of the realtime client the status endpoint reports.
type RealtimeStatus interface {
	State() realtime.State
	Topics() []string
	StaleTopics() []string
}

// CacheStatus reports the number of cached entries.
type CacheStatus interface {
	Len() int
}

// Status is the JSON body served by StatusHandler.
type Status struct {
	State        realtime.State `json:"state"`
	Topics       []string       `json:"topics"`
	StaleTopics  []string       `json:"staleTopics"`
	CacheEntries int            `json:"cacheEntries"`
}

// StatusHandler reports the realtime connection and cache size. cache may be nil.
func StatusHandler(rt RealtimeStatus, cache CacheStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		st := Status{
			State:       rt.State(),
			Topics:      nonNil(rt.Topics()),
			StaleTopics: nonNil(rt.StaleTopics()),
		}
		if cache != nil {
			st.CacheEntries = cache.Len()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(st)
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
