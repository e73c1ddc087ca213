// Package farm describes the server administration capability that actions
// use to change a replication group, and an in-memory simulator of a farm.
package farm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ServerStatus is the operational status of a server as recorded by the farm.
type ServerStatus string

const (
	StatusRunning ServerStatus = "RUNNING"
	StatusSpare   ServerStatus = "SPARE"
	StatusFaulty  ServerStatus = "FAULTY"
	StatusOffline ServerStatus = "OFFLINE"
)

// Common errors.
var (
	ErrGroupNotFound  = errors.New("group not found")
	ErrServerNotFound = errors.New("server not found")
	ErrNoCandidate    = errors.New("no valid candidate in group")
	ErrBadCandidate   = errors.New("server is not a valid candidate")
	ErrNoMaster       = errors.New("group has no master")
	ErrServerExists   = errors.New("server already exists")
	ErrServerIsMaster = errors.New("server is the group master")
	ErrBadStatus      = errors.New("unknown server status")
)

// ParseStatus maps a case-insensitive name to a ServerStatus.
func ParseStatus(name string) (ServerStatus, error) {
	st := ServerStatus(strings.ToUpper(name))
	switch st {
	case StatusRunning, StatusSpare, StatusFaulty, StatusOffline:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrBadStatus, name)
}

// Server is a read-only view of one server.
type Server struct {
	ID       string       `json:"id"`
	Group    string       `json:"group"`
	Status   ServerStatus `json:"status"`
	Alive    bool         `json:"alive"`
	ReadOnly bool         `json:"read_only"`
	Source   string       `json:"source,omitempty"` // replication master, empty for a master
	Applied  int64        `json:"applied"`          // transactions applied
}

// ServerAccess is the capability actions use to administer servers. The
// engine never calls it directly; it is handed to actions through their
// execution context.
type ServerAccess interface {
	// Master returns the current master of a group, or "" when it has none.
	Master(ctx context.Context, group string) (string, error)
	// Servers lists the members of a group ordered by id.
	Servers(ctx context.Context, group string) ([]Server, error)

	// FindCandidate picks the most up-to-date running slave that replicates
	// from the current master.
	FindCandidate(ctx context.Context, group string) (string, error)
	// CheckCandidate verifies that a server can become the master of a group.
	CheckCandidate(ctx context.Context, group, server string) error

	StopServer(ctx context.Context, server string) error
	StartServer(ctx context.Context, server string) error

	// BlockWrites makes the group master read-only and unsets it as master.
	// It returns the blocked master ("" if the group had none).
	BlockWrites(ctx context.Context, group string) (string, error)
	// UnblockWrites makes server writable and the master of the group again.
	UnblockWrites(ctx context.Context, group, server string) error
	// WaitSlavesCatchUp waits until every slave of master applied its log.
	WaitSlavesCatchUp(ctx context.Context, group, master string) error

	// Promote makes server the writable master of group.
	Promote(ctx context.Context, group, server string) error
	// Demote makes server read-only and clears it as group master.
	Demote(ctx context.Context, group, server string) error
	// ChangeMaster points server's replication at master.
	ChangeMaster(ctx context.Context, server, master string) error
	// SetStatus records a server's status and returns the previous one.
	SetStatus(ctx context.Context, server string, status ServerStatus) (ServerStatus, error)

	// AddServer registers a new RUNNING server in group, replicating from the
	// current master when the group has one.
	AddServer(ctx context.Context, group, server string) error
	// RemoveServer drops a non-master member from group.
	RemoveServer(ctx context.Context, group, server string) error
}
