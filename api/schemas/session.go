package schemas

// -- Session Descriptor Schemas --

// SameSite values accepted on a persisted cookie.
const (
	SameSiteStrict = "Strict"
	SameSiteLax    = "Lax"
	SameSiteNone   = "None"
)

// Cookie is a single persisted cookie as exported by a browser profile.
// Expiry is seconds since the Unix epoch; zero or negative means a session cookie.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expiry   float64 `json:"expires,omitempty"`
	Secure   bool    `json:"secure"`
	HTTPOnly bool    `json:"httpOnly"`
	SameSite string  `json:"sameSite,omitempty"`
}

// Session is the persisted authenticated state of a previously logged in user.
// It is read only; runs work on a Clone.
type Session struct {
	Cookies      []Cookie          `json:"cookies"`
	LocalStorage map[string]string `json:"localStorage,omitempty"`
	UserAgent    string            `json:"userAgent,omitempty"`
	// Origin is the page origin the local storage entries belong to.
	Origin string `json:"origin,omitempty"`
	// SourcePath is where the descriptor was loaded from. Not persisted.
	SourcePath string `json:"-"`
}

// Clone returns a deep copy so concurrent runs never share mutable state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := &Session{
		UserAgent:  s.UserAgent,
		Origin:     s.Origin,
		SourcePath: s.SourcePath,
	}
	if s.Cookies != nil {
		out.Cookies = make([]Cookie, len(s.Cookies))
		copy(out.Cookies, s.Cookies)
	}
	if s.LocalStorage != nil {
		out.LocalStorage = make(map[string]string, len(s.LocalStorage))
		for k, v := range s.LocalStorage {
			out.LocalStorage[k] = v
		}
	}
	return out
}
