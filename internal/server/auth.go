package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"clipvault/internal/auth"
	"clipvault/internal/store"
)

var emailRe = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

const minPasswordLength = 8

// credentialsRequest is the body of register and login.
type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// authResponse carries a fresh token and the account it belongs to.
type authResponse struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expiresAt"`
	User      userResponse `json:"user"`
}

type userResponse struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

func toUserResponse(u *store.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Email:     u.Email,
		Role:      u.Role,
		CreatedAt: u.CreatedAt,
	}
}

// decodeCredentials reads and validates a credentials body. A nil return
// means the response has already been written.
func (s *Server) decodeCredentials(w http.ResponseWriter, r *http.Request) *credentialsRequest {
	var req credentialsRequest
	r.Body = http.MaxBytesReader(w, r.Body, 4096)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return nil
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	return &req
}

// handleRegister creates an account and logs it in. The first account
// becomes the admin; everyone after that is a regular user.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	req := s.decodeCredentials(w, r)
	if req == nil {
		return
	}

	if len(req.Email) > 254 || !emailRe.MatchString(req.Email) {
		writeError(w, http.StatusBadRequest, "invalid email address")
		return
	}
	if utf8.RuneCountInString(req.Password) < minPasswordLength {
		writeError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		s.logger.Error("hash password", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	role := store.RoleUser
	count, err := s.store.CountUsers(r.Context())
	if err != nil {
		s.logger.Error("count users", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if count == 0 {
		role = store.RoleAdmin
	}

	user, err := s.store.CreateUser(r.Context(), req.Email, hash, role)
	if err != nil {
		if errors.Is(err, store.ErrEmailTaken) {
			writeError(w, http.StatusConflict, "email already registered")
			return
		}
		s.logger.Error("create user", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("user registered", "user_id", user.ID, "role", user.Role)
	s.writeAuthResponse(w, http.StatusCreated, user)
}

// handleLogin authenticates a user and returns a token.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	req := s.decodeCredentials(w, r)
	if req == nil {
		return
	}

	user, err := s.store.UserByEmail(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.logger.Error("load user", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	ok, err := auth.VerifyPassword(req.Password, user.PasswordHash)
	if err != nil {
		s.logger.Error("verify password", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	s.writeAuthResponse(w, http.StatusOK, user)
}

func (s *Server) writeAuthResponse(w http.ResponseWriter, status int, user *store.User) {
	token, expiresAt, err := s.tokens.Issue(user.ID, user.Email, user.Role)
	if err != nil {
		s.logger.Error("issue token", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, status, authResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		User:      toUserResponse(user),
	})
}

// requireAuth verifies the bearer token and stores the caller's identity
// in the request context.
func (s *Server) requireAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		claims, err := s.tokens.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		userID, err := claims.UserID()
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		ident := auth.Identity{UserID: userID, Email: claims.Email, Role: claims.Role}
		next.ServeHTTP(w, r.WithContext(auth.WithUser(r.Context(), ident)))
	})
}
