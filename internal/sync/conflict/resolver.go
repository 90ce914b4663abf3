// Package conflict resolves divergence between a local record and the
// server's copy of the same entity.
package conflict

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jonboulle/clockwork"

	apperrors "github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/errors"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/models"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/uuid"
)

// Policy selects how a conflict is resolved.
type Policy string

const (
	PolicyServerWins Policy = "server_wins"
	PolicyClientWins Policy = "client_wins"
	PolicyMerge      Policy = "merge"
)

// DefaultPolicy is used when none is configured.
const DefaultPolicy = PolicyMerge

// ParsePolicy validates a configured policy name. Empty selects the default.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return DefaultPolicy, nil
	case PolicyServerWins, PolicyClientWins, PolicyMerge:
		return p, nil
	}
	return "", apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown conflict policy %q", s))
}

// Side names the party whose data won.
type Side string

const (
	SideServer Side = "server"
	SideClient Side = "client"
)

// Conflict pairs the server copy of an entity with the local record.
type Conflict struct {
	Server models.Entity
	Local  *models.Record
}

// Resolution is the outcome of resolving a conflict.
type Resolution struct {
	Entity models.Entity
	Winner Side
	Policy Policy
	// PushToServer is set when the resolved entity differs from the server
	// copy and must be written back.
	PushToServer bool
	Log          *models.ConflictLog
}

// Resolver applies a Policy.
type Resolver struct {
	policy Policy
	clock  clockwork.Clock
	logger *slog.Logger
}

// NewResolver creates a Resolver. An empty policy selects DefaultPolicy.
func NewResolver(policy Policy, clock clockwork.Clock, logger *slog.Logger) *Resolver {
	if policy == "" {
		policy = DefaultPolicy
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		policy: policy,
		clock:  clock,
		logger: logger.With("component", "conflict"),
	}
}

// Policy returns the configured policy.
func (r *Resolver) Policy() Policy {
	return r.policy
}

// Resolve decides the surviving entity. The resolved entity depends only on
// the two inputs and the policy.
func (r *Resolver) Resolve(c *Conflict) (*Resolution, error) {
	if c == nil || c.Server == nil || c.Local == nil || c.Local.Entity == nil {
		return nil, ErrInvalidConflict
	}
	if c.Server.Type() != c.Local.Entity.Type() {
		return nil, ErrInvalidConflict
	}
	if c.Server.Meta().ID != c.Local.ID {
		return nil, ErrItemIDMismatch
	}

	localMs := c.Local.LastModified
	serverMs := c.Server.Meta().UpdatedAt.UnixMilli()

	var winner Side
	switch r.policy {
	case PolicyServerWins:
		winner = SideServer
	case PolicyClientWins:
		winner = SideClient
	case PolicyMerge:
		// Ties go to the server.
		winner = SideServer
		if localMs > serverMs {
			winner = SideClient
		}
	default:
		return nil, ErrConflictUnresolved
	}

	resolved := c.Server.Clone()
	if winner == SideClient {
		var err error
		if resolved, err = overlay(c.Server, c.Local.Entity); err != nil {
			return nil, err
		}
	}

	log, err := r.newLog(c, winner, resolved)
	if err != nil {
		return nil, err
	}

	r.logger.Info("conflict resolved",
		"entity_type", c.Server.Type(),
		"entity_id", c.Local.ID,
		"policy", r.policy,
		"winner", winner,
		"local_modified", localMs,
		"server_updated", serverMs,
	)

	return &Resolution{
		Entity:       resolved,
		Winner:       winner,
		Policy:       r.policy,
		PushToServer: winner == SideClient,
		Log:          log,
	}, nil
}

// overlay lays the local fields over the server copy, keeping the server's
// id and creation time.
func overlay(server, local models.Entity) (models.Entity, error) {
	base, err := fields(server)
	if err != nil {
		return nil, err
	}
	over, err := fields(local)
	if err != nil {
		return nil, err
	}
	for k, v := range over {
		if k == "id" || k == "createdAt" {
			continue
		}
		base[k] = v
	}
	data, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("encode merged %s: %w", server.Type(), err)
	}
	return models.DecodeEntity(server.Type(), data)
}

func fields(e models.Entity) (map[string]any, error) {
	data, err := models.Encode(e)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode %s fields: %w", e.Type(), err)
	}
	return m, nil
}

func (r *Resolver) newLog(c *Conflict, winner Side, resolved models.Entity) (*models.ConflictLog, error) {
	localPayload, err := models.Encode(c.Local.Entity)
	if err != nil {
		return nil, err
	}
	serverPayload, err := models.Encode(c.Server)
	if err != nil {
		return nil, err
	}
	resolvedPayload, err := models.Encode(resolved)
	if err != nil {
		return nil, err
	}
	return &models.ConflictLog{
		ID:              uuid.New(),
		EntityType:      c.Server.Type(),
		EntityID:        c.Local.ID,
		Policy:          string(r.policy),
		Winner:          string(winner),
		LocalModified:   c.Local.LastModified,
		ServerUpdated:   c.Server.Meta().UpdatedAt.UnixMilli(),
		LocalPayload:    localPayload,
		ServerPayload:   serverPayload,
		ResolvedPayload: resolvedPayload,
		DetectedAt:      r.clock.Now().UnixMilli(),
	}, nil
}

// Errors
var (
	ErrInvalidConflict    = &ConflictError{Message: "invalid conflict: server and local entities of the same type are required"}
	ErrItemIDMismatch     = &ConflictError{Message: "item ID mismatch"}
	ErrConflictUnresolved = &ConflictError{Message: "conflict could not be resolved"}
)

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
