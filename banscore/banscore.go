// Package banscore defines the common shape of a "scored" error: one that,
// on top of being a normal Go error, declares how much a peer's ban score
// should increase because of it. chainstate, mempool and syncer all return
// errors satisfying this interface for peer misbehavior; SyncManager and
// PeerSession recover the score with a type assertion rather than a
// hand-rolled error-code/lookup-table pair — the behavior travels with the
// error value instead.
package banscore

// Scored is implemented by any error that should increment a peer's ban
// score when it is the direct consequence of something the peer sent.
type Scored interface {
	error
	BanScore() uint32
}

type scoredError struct {
	err   error
	score uint32
}

func (e *scoredError) Error() string    { return e.err.Error() }
func (e *scoredError) Unwrap() error    { return e.err }
func (e *scoredError) BanScore() uint32 { return e.score }

// New wraps err so that it satisfies Scored with the given ban score.
func New(err error, score uint32) Scored {
	return &scoredError{err: err, score: score}
}

// ScoreOf returns the ban score attached to err, or 0 if err does not
// implement Scored.
func ScoreOf(err error) uint32 {
	if s, ok := err.(Scored); ok {
		return s.BanScore()
	}
	return 0
}
