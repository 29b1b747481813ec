package stream

import (
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Watchers are local tools and dashboards; origin checks belong to a
	// fronting proxy when one exists.
	CheckOrigin: func(*http.Request) bool { return true },
}

// WatchHandler streams a run's events over a websocket until the run's
// channel closes. The run is selected with the ?run= query parameter.
func WatchHandler(broker *Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := strings.TrimSpace(r.URL.Query().Get("run"))
		if runID == "" {
			http.Error(w, "run query parameter is required", http.StatusBadRequest)
			return
		}
		ch, ok := broker.Get(runID)
		if !ok {
			http.Error(w, "unknown run", http.StatusNotFound)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for ev := range ch {
			if err := conn.WriteJSON(ev); err != nil {
				log.Printf("watch %s: write failed: %v", runID, err)
				return
			}
		}
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"))
	}
}
