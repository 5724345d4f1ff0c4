package shared

import (
	"strings"

	"github.com/google/uuid"
)

// Prefixed ids keep log lines and event payloads greppable by kind.

func NewEventID() string { return "evt_" + compactUUID(20) }

func NewSessionID() string { return "sess_" + compactUUID(16) }

func NewProjectID() string { return "proj_" + compactUUID(16) }

func NewRunnerID() string { return "runner_" + compactUUID(12) }

func NewToolUseID() string { return "toolu_" + compactUUID(20) }

// NewCorrelationID identifies one turn; every envelope the turn produces
// carries it.
func NewCorrelationID() string { return "turn_" + compactUUID(12) }

// NewEngineSessionID is generated runner-side for engines that have no
// server-assigned conversation id.
func NewEngineSessionID() string { return "eng_" + compactUUID(16) }

// NewAuthToken mints the gateway bearer token persisted on first start.
func NewAuthToken() string { return "rt_" + compactUUID(32) }

func compactUUID(n int) string {
	s := strings.ReplaceAll(uuid.NewString(), "-", "")
	if n > len(s) {
		n = len(s)
	}
	return s[:n]
}
