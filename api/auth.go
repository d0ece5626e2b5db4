package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fieldtrack/leave-ledger/generic"
)

// Claims carries the actor. The employee id travels in the registered
// "sub" claim.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Actor is the authenticated caller of a request.
type Actor struct {
	EmployeeID generic.EmployeeID
	Role       generic.Role
}

func (a Actor) IsAdmin() bool { return a.Role == generic.RoleAdmin }

// CanSee reports whether the actor may read or act on the employee's records.
// Administrators see everyone, employees only themselves.
func (a Actor) CanSee(id generic.EmployeeID) bool {
	return a.IsAdmin() || a.EmployeeID == id
}

// devActor is used for every request when no signing secret is configured.
var devActor = Actor{EmployeeID: "dev-admin", Role: generic.RoleAdmin}

type ctxKey int

const ctxKeyActor ctxKey = iota

// IssueToken signs an HS256 token for the employee.
func IssueToken(secret string, id generic.EmployeeID, role generic.Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(id),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseToken verifies tokenString and returns the actor it names.
func ParseToken(secret, tokenString string) (Actor, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil {
		return Actor{}, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Actor{}, errors.New("invalid token")
	}
	actor := Actor{EmployeeID: generic.EmployeeID(claims.Subject), Role: generic.Role(claims.Role)}
	if actor.EmployeeID == "" || !actor.Role.Valid() {
		return Actor{}, errors.New("token missing subject or role")
	}
	return actor, nil
}

// Authenticate resolves the actor from a bearer token. With an empty
// secret every request runs as an administrator.
func Authenticate(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				next.ServeHTTP(w, r.WithContext(withActor(r.Context(), devActor)))
				return
			}

			parts := strings.Fields(r.Header.Get("Authorization"))
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				writeError(w, http.StatusUnauthorized, "Missing bearer token", nil)
				return
			}
			actor, err := ParseToken(secret, parts[1])
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Invalid token", err)
				return
			}
			next.ServeHTTP(w, r.WithContext(withActor(r.Context(), actor)))
		})
	}
}

func withActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, ctxKeyActor, a)
}

// ActorFrom returns the request's actor. Routes outside Authenticate get
// the zero Actor, which can see nothing.
func ActorFrom(ctx context.Context) Actor {
	a, _ := ctx.Value(ctxKeyActor).(Actor)
	return a
}

// RequireAdmin rejects non-administrators with 403.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !ActorFrom(r.Context()).IsAdmin() {
			writeError(w, http.StatusForbidden, "Administrator role required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
