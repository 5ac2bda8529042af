package handlers

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"

	"github.com/ahmetk3436/sshdeck/internal/sshsession"
	"github.com/gofiber/contrib/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
	// Frames above sshsession.MaxInputMessageSize are dropped by the
	// bridge; frames above wsReadLimit end the connection.
	wsReadLimit = 1 << 20
)

// wsChannel adapts a WebSocket to sshsession.Channel. Text or binary frames
// from the browser are raw input unless they are a JSON control message;
// output goes out as binary frames and control events as JSON text.
type wsChannel struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newWSChannel(conn *websocket.Conn) *wsChannel {
	conn.SetReadLimit(wsReadLimit)
	return &wsChannel{conn: conn}
}

type wsInbound struct {
	Type string `json:"type"`
	Data string `json:"data"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

type wsControl struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

func (w *wsChannel) Receive() (sshsession.Frame, error) {
	_, msg, err := w.conn.ReadMessage()
	if err != nil {
		return sshsession.Frame{}, err
	}
	return decodeInbound(msg), nil
}

func decodeInbound(msg []byte) sshsession.Frame {
	if trimmed := bytes.TrimSpace(msg); len(trimmed) > 0 && trimmed[0] == '{' {
		var in wsInbound
		if json.Unmarshal(trimmed, &in) == nil {
			switch in.Type {
			case "input":
				return sshsession.Frame{Kind: sshsession.FrameInput, Data: []byte(in.Data)}
			case "resize":
				return sshsession.Frame{Kind: sshsession.FrameResize, Cols: in.Cols, Rows: in.Rows}
			}
		}
	}
	return sshsession.Frame{Kind: sshsession.FrameInput, Data: msg}
}

func (w *wsChannel) Send(f sshsession.Frame) error {
	if f.Kind == sshsession.FrameOutput {
		return w.write(websocket.BinaryMessage, f.Data)
	}
	return w.sendControl(wsControl{Type: string(f.Kind), Message: f.Message})
}

func (w *wsChannel) sendControl(ctl wsControl) error {
	b, err := json.Marshal(ctl)
	if err != nil {
		return err
	}
	return w.write(websocket.TextMessage, b)
}

// sendError reports a failure that happened before any bridge ran.
func (w *wsChannel) sendError(err error) {
	w.sendControl(wsControl{
		Type:    string(sshsession.FrameError),
		Message: err.Error(),
		Reason:  sshsession.Reason(err),
	})
}

func (w *wsChannel) write(messageType int, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteMessage(messageType, data)
}

func (w *wsChannel) Close() error {
	w.closeOnce.Do(func() {
		w.writeMu.Lock()
		w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		w.writeMu.Unlock()
		w.conn.Close()
	})
	return nil
}
