package node

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgms/pkg/gms"
	"github.com/ryandielhenn/zephyrgms/pkg/membership"
)

// InfoResponse is the body of GET /info.
type InfoResponse struct {
	ID          string               `json:"id"`
	Addr        membership.Address   `json:"addr"`
	PID         int                  `json:"pid"`
	Now         time.Time            `json:"now"`
	Uptime      string               `json:"uptime"`
	Role        string               `json:"role"`
	Leaving     bool                 `json:"leaving"`
	Coordinator membership.Address   `json:"coordinator,omitempty"`
	View        *membership.View     `json:"view,omitempty"`
	Digest      membership.Digest    `json:"digest,omitempty"`
	Suspected   []membership.Address `json:"suspected,omitempty"`
	Queued      int                  `json:"queued"`
}

// Healthz returns 200 OK to indicate the Node is alive.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info writes the member's role, view and digest as JSON.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	g := n.gms
	writeJSON(w, http.StatusOK, InfoResponse{
		ID:          n.id,
		Addr:        n.Addr(),
		PID:         os.Getpid(),
		Now:         time.Now(),
		Uptime:      n.Uptime().Round(time.Second).String(),
		Role:        g.Role().String(),
		Leaving:     g.IsLeaving(),
		Coordinator: g.Coordinator(),
		View:        g.View(),
		Digest:      g.Digest(),
		Suspected:   n.fd.Suspected(),
		Queued:      g.ViewHandler().Size(),
	})
}

// LeaveHandler runs the graceful leave handshake.
func (n *Node) LeaveHandler(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	err := n.Leave(req.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"left": true})
	case errors.Is(err, gms.ErrLeaveUnconfirmed):
		// Left locally; the group will notice through failure detection.
		writeJSON(w, http.StatusAccepted, map[string]any{"left": true, "error": err.Error()})
	case errors.Is(err, gms.ErrNotMember):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		n.log.Warn("leave failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// JoinHandler joins through the comma separated contacts query parameter, or the
// registered peers when it is absent.
func (n *Node) JoinHandler(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var contacts []membership.Address
	for _, c := range strings.Split(req.URL.Query().Get("contacts"), ",") {
		if c = strings.TrimSpace(c); c != "" {
			contacts = append(contacts, membership.Address(c))
		}
	}
	if err := n.Join(req.Context(), contacts...); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, n.View())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
