package agent

import (
	"net"
	"net/http"
	"sync"

	"github.com/julienschmidt/httprouter"

	"github.com/rcoder/rcoder/disguise"
	inet "github.com/rcoder/rcoder/internal/net"
)

// serveWebSocket drives one already-established connection through an HTTP
// upgrade at the disguise endpoint and then runs the normal session over
// the resulting stream.
func (a *Agent) serveWebSocket(conn net.Conn) {
	done := make(chan struct{})
	var once sync.Once
	settle := func() { once.Do(func() { close(done) }) }

	router := httprouter.New()
	router.GET(disguise.WebSocketPath, func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		nc, err := disguise.AcceptWebSocket(w, r)
		if err != nil {
			a.log.Debugw("WebSocket upgrade failed", "Remote", r.RemoteAddr, "Error", err)
			return
		}
		a.serveSession(nc, nil)
	})

	// Any request settles the connection: either the upgrade happened and
	// the session ran to completion inside the handler, or the path was
	// wrong and there is nothing more to do with this connection.
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer settle()
		router.ServeHTTP(w, r)
	})}

	go srv.Serve(inet.NewOneShotListener(conn))
	select {
	case <-done:
	case <-a.closed:
	}
	srv.Close()
	conn.Close()
}
