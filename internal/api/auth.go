package api

import (
	"crypto/subtle"
	"fmt"
	"net/http"

	"github.com/AaronLay10/SentientSequencer/internal/config"
)

// Role represents an authorization role.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
)

// Auth holds basic-auth credentials. A nil or disabled Auth grants admin to
// every request.
type Auth struct {
	adminUser    string
	adminPass    string
	operatorUser string
	operatorPass string
	enabled      bool
}

// LoadAuth reads credentials from SEQUENCER_ADMIN_USER, SEQUENCER_ADMIN_PASS,
// SEQUENCER_OPERATOR_USER and SEQUENCER_OPERATOR_PASS, each also accepted
// as a *_FILE secret. Auth is enabled only if admin credentials are set.
func LoadAuth() (*Auth, error) {
	vals := make(map[string]string, 4)
	for _, name := range []string{"SEQUENCER_ADMIN_USER", "SEQUENCER_ADMIN_PASS", "SEQUENCER_OPERATOR_USER", "SEQUENCER_OPERATOR_PASS"} {
		v, err := config.ResolveSecret(name)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", name, err)
		}
		vals[name] = v
	}
	return NewAuth(vals["SEQUENCER_ADMIN_USER"], vals["SEQUENCER_ADMIN_PASS"],
		vals["SEQUENCER_OPERATOR_USER"], vals["SEQUENCER_OPERATOR_PASS"]), nil
}

func NewAuth(adminUser, adminPass, operatorUser, operatorPass string) *Auth {
	return &Auth{
		adminUser:    adminUser,
		adminPass:    adminPass,
		operatorUser: operatorUser,
		operatorPass: operatorPass,
		enabled:      adminUser != "" && adminPass != "",
	}
}

func (a *Auth) Enabled() bool {
	return a != nil && a.enabled
}

// authenticate returns the caller's role, or "" for bad credentials.
func (a *Auth) authenticate(r *http.Request) Role {
	if !a.Enabled() {
		return RoleAdmin
	}

	user, pass, ok := r.BasicAuth()
	if !ok {
		return ""
	}

	if secureCompare(user, a.adminUser) && secureCompare(pass, a.adminPass) {
		return RoleAdmin
	}
	if a.operatorUser != "" && a.operatorPass != "" {
		if secureCompare(user, a.operatorUser) && secureCompare(pass, a.operatorPass) {
			return RoleOperator
		}
	}
	return ""
}

func secureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Require is middleware admitting only the given roles.
func (a *Auth) Require(allowed ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role := a.authenticate(r)
			if role == "" {
				w.Header().Set("WWW-Authenticate", `Basic realm="Sentient Sequencer"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			for _, want := range allowed {
				if role == want {
					next.ServeHTTP(w, r)
					return
				}
			}
			http.Error(w, "Forbidden", http.StatusForbidden)
		})
	}
}

// RequireAnyRole admits admins and operators.
func (a *Auth) RequireAnyRole() func(http.Handler) http.Handler {
	return a.Require(RoleAdmin, RoleOperator)
}

// RequireAdmin admits admins only.
func (a *Auth) RequireAdmin() func(http.Handler) http.Handler {
	return a.Require(RoleAdmin)
}
