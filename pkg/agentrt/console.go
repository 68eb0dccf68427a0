package agentrt

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/ovlab/ovlab/pkg/util"
)

// consoleCmd is the shell attached to on console connect; every vendor
// image in pkg/provider ships a POSIX shell, so this doesn't need a
// per-vendor override the way the readiness probe command does.
var consoleCmd = []string{"sh", "-l"}

var consoleUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// resizeMessage is the JSON control message spec §6.4 allows interleaved
// with raw console bytes, to resize the attached exec's pty.
type resizeMessage struct {
	Type string `json:"type"`
	Rows uint   `json:"rows"`
	Cols uint   `json:"cols"`
}

// handleConsole upgrades to a WebSocket and proxies bytes between it and an
// exec'd shell inside the node's container (spec §6.1 WS /console/{lab_id}/{node}).
func (a *Agent) handleConsole(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	labID, node := vars["lab_id"], vars["node"]

	ws, err := consoleUpgrader.Upgrade(w, r, nil)
	if err != nil {
		util.WithFields(map[string]interface{}{"lab_id": labID, "node": node}).Warn("console upgrade failed: " + err.Error())
		return
	}
	defer ws.Close()

	conn, execID, err := a.provider.ConsoleAttach(r.Context(), containerName(labID, node), consoleCmd)
	if err != nil {
		_ = ws.WriteMessage(websocket.TextMessage, []byte("attach failed: "+err.Error()))
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	go pumpConsoleOutput(ws, conn, done)
	pumpConsoleInput(a, ws, conn, execID, done)
}

// pumpConsoleOutput copies the exec's output to the WebSocket until the
// connection closes or the reader errors out.
func pumpConsoleOutput(ws *websocket.Conn, conn interface{ Read([]byte) (int, error) }, done chan struct{}) {
	defer close(done)
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if writeErr := ws.WriteMessage(websocket.BinaryMessage, buf[:n]); writeErr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// pumpConsoleInput reads from the WebSocket: binary frames are keystrokes
// forwarded to the exec, text frames carry JSON resize control messages.
func pumpConsoleInput(a *Agent, ws *websocket.Conn, conn interface{ Write([]byte) (int, error) }, execID string, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
		}

		msgType, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			if _, err := conn.Write(data); err != nil {
				return
			}
		case websocket.TextMessage:
			var resize resizeMessage
			if err := json.Unmarshal(data, &resize); err == nil && resize.Type == "resize" {
				if err := a.provider.ConsoleResize(context.Background(), execID, resize.Rows, resize.Cols); err != nil {
					util.WithField("exec_id", execID).Warn("console resize failed: " + err.Error())
				}
			}
		}
	}
}
