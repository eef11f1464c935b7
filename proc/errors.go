package proc

import (
	"errors"
	"fmt"

	"github.com/disgoorg/snowflake/v2"
)

var (
	// ErrOwnershipConflict is returned when another member controls the guild's player.
	ErrOwnershipConflict = errors.New("music session is owned by another member")
	// ErrResolutionFailure is returned when a query cannot be turned into a playable stream.
	ErrResolutionFailure = errors.New("no playable track found")
	// ErrConnectionFailure is returned when the voice connection cannot be opened.
	ErrConnectionFailure = errors.New("failed to join voice channel")
	// ErrPlaybackFault marks a mid-stream decode or network fault.
	ErrPlaybackFault = errors.New("playback fault")

	ErrEmptyQuery     = fmt.Errorf("%w: empty query", ErrResolutionFailure)
	ErrNotInVoice     = errors.New("requester is not in a voice channel")
	ErrNothingPlaying = errors.New("nothing is playing")
	ErrNoSession      = errors.New("no active music session")
)

// OwnershipError reports who currently holds a guild's session.
type OwnershipError struct {
	GuildID snowflake.ID
	OwnerID snowflake.ID
}

func (e *OwnershipError) Error() string {
	return fmt.Sprintf("guild %s: music session is owned by %s", e.GuildID, e.OwnerID)
}

func (e *OwnershipError) Is(target error) bool {
	return target == ErrOwnershipConflict
}
