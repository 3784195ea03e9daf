package ws

import (
	"time"

	"github.com/iapunto/carousel-api/internal/fleet"
	"github.com/iapunto/carousel-api/internal/plc"
)

// Inbound message types.
const (
	msgPing        = "ping"
	msgSubscribe   = "subscribe"
	msgGetStatus   = "get_status"
	msgSendCommand = "send_command"
)

// Outbound message types.
const (
	msgWelcome               = "welcome"
	msgPong                  = "pong"
	msgSubscriptionConfirmed = "subscription_confirmed"
	msgStatus                = "status"
	msgMachineStatus         = "machine_status"
	msgAllMachinesStatus     = "all_machines_status"
	msgCommandResult         = "command_result"
	msgCommandExecuted       = "command_executed"
	msgStatusBroadcast       = "status_broadcast"
	msgMachineEvent          = "machine_event"
	msgError                 = "error"
)

// Subscription scopes accepted on a subscribe message. Every peer starts on
// status_updates; the narrower scopes are opt-in refinements.
const (
	subStatusUpdates = "status_updates"
	subMachineStatus = "machine_status"
	subAllMachines   = "all_machines"
)

// inbound is the single shape every client message parses into; only the
// fields relevant to Type are read.
type inbound struct {
	Type             string `json:"type"`
	SubscriptionType string `json:"subscription_type,omitempty"`
	MachineID        string `json:"machine_id,omitempty"`
	Command          *int   `json:"command,omitempty"`
	Argument         *int   `json:"argument,omitempty"`
}

type serverInfo struct {
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
}

type welcomeMessage struct {
	Type       string                 `json:"type"`
	Mode       string                 `json:"mode"`
	ServerInfo serverInfo             `json:"server_info"`
	Machines   []fleet.MachineSummary `json:"machines,omitempty"`
	Timestamp  string                 `json:"timestamp"`
}

type pongMessage struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

type subscriptionConfirmedMessage struct {
	Type             string `json:"type"`
	SubscriptionType string `json:"subscription_type"`
	MachineID        string `json:"machine_id,omitempty"`
	Timestamp        string `json:"timestamp"`
}

type statusMessage struct {
	Type      string        `json:"type"`
	MachineID string        `json:"machine_id,omitempty"`
	Status    *plc.Snapshot `json:"status"`
	Timestamp string        `json:"timestamp"`
}

type allMachinesStatusMessage struct {
	Type      string                   `json:"type"`
	Statuses  map[string]*plc.Snapshot `json:"statuses"`
	Timestamp string                   `json:"timestamp"`
}

type commandResultMessage struct {
	Type      string        `json:"type"`
	MachineID string        `json:"machine_id"`
	Command   int           `json:"command"`
	Argument  *int          `json:"argument,omitempty"`
	Success   bool          `json:"success"`
	Status    *plc.Snapshot `json:"status,omitempty"`
	Error     *string       `json:"error,omitempty"`
	Code      *string       `json:"code,omitempty"`
	Timestamp string        `json:"timestamp"`
}

// commandExecutedMessage is the echo delivered to every peer except the one
// that issued the command.
type commandExecutedMessage struct {
	Type      string        `json:"type"`
	MachineID string        `json:"machine_id"`
	Command   *int          `json:"command,omitempty"`
	Argument  *int          `json:"argument,omitempty"`
	Status    *plc.Snapshot `json:"status,omitempty"`
	Timestamp string        `json:"timestamp"`
}

type statusBroadcastMessage struct {
	Type      string                   `json:"type"`
	Statuses  map[string]*plc.Snapshot `json:"statuses"`
	Timestamp string                   `json:"timestamp"`
}

// machineEventMessage carries connectivity transitions and busy notices.
type machineEventMessage struct {
	Type      string `json:"type"`
	Event     string `json:"event"`
	MachineID string `json:"machine_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

type errorMessage struct {
	Type      string `json:"type"`
	Error     string `json:"error"`
	Code      string `json:"code"`
	Timestamp string `json:"timestamp"`
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
