package tokencache

import "context"

// Session is the caller's browser session as seen by the cache.
type Session interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte)
	Delete(key string)
}

type sessionContextKey struct{}

// ContextWithSession attaches the caller's session for the session backend.
func ContextWithSession(ctx context.Context, session Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, session)
}

// SessionFromContext returns the session attached to ctx, or nil.
func SessionFromContext(ctx context.Context) Session {
	s, _ := ctx.Value(sessionContextKey{}).(Session)
	return s
}

// SessionStore keeps token blobs inside one user's session, so the cache
// lives and dies with that session.
type SessionStore struct {
	session Session
}

func NewSessionStore(session Session) *SessionStore {
	return &SessionStore{session: session}
}

func (s *SessionStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, ok := s.session.Get(key)
	if !ok {
		return nil, ErrCacheMiss
	}
	return v, nil
}

func (s *SessionStore) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.session.Set(key, value)
	return nil
}

func (s *SessionStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.session.Delete(key)
	return nil
}

// MapSession is a Session over a plain map, for sessions materialized per request.
type MapSession map[string][]byte

func (m MapSession) Get(key string) ([]byte, bool) {
	v, ok := m[key]
	return v, ok
}

func (m MapSession) Set(key string, value []byte) { m[key] = append([]byte(nil), value...) }

func (m MapSession) Delete(key string) { delete(m, key) }
