// Package auth — выпуск и проверка JWT. Ядру отсюда нужна только
// разрешённая пара (user_id, role); всё остальное — плумбинг коллаборатора.
package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"droidpool/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// Identity — результат аутентификации запроса.
type Identity struct {
	UserID uint
	Role   models.Role
}

type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type Tokens struct {
	secret []byte
	ttl    time.Duration
}

func NewTokens(secret string, ttl time.Duration) *Tokens {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Tokens{secret: []byte(secret), ttl: ttl}
}

// Issue — подписанный HS256-токен с user_id в subject и ролью в claims.
func (t *Tokens) Issue(userID uint, role models.Role, now time.Time) (string, error) {
	claims := Claims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   jwtSubject(userID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Verify — разбор и проверка токена, на выходе Identity.
func (t *Tokens) Verify(raw string) (Identity, error) {
	var claims Claims
	tok, err := jwt.ParseWithClaims(raw, &claims, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return t.secret, nil
	})
	if err != nil || !tok.Valid {
		return Identity{}, errors.New("invalid token")
	}
	id, err := parseSubject(claims.Subject)
	if err != nil {
		return Identity{}, err
	}
	role := models.Role(claims.Role)
	if !role.Valid() {
		return Identity{}, errors.New("unknown role in token")
	}
	return Identity{UserID: id, Role: role}, nil
}

// HTTP — минимальная login-ручка, чтобы токены было чем выпускать.
type HTTP struct {
	db     *gorm.DB
	tokens *Tokens
}

func NewHTTP(db *gorm.DB, tokens *Tokens) *HTTP { return &HTTP{db: db, tokens: tokens} }

func (h *HTTP) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/v1/auth/login", h.login).Methods(http.MethodPost)
}

func (h *HTTP) login(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad JSON", err.Error(), nil)
		return
	}
	var u models.User
	if err := h.db.Where("username = ? AND is_active = ?", in.Username, true).First(&u).Error; err != nil {
		models.WriteProblem(w, http.StatusUnauthorized, "Unauthorized", "bad credentials", nil)
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(in.Password)) != nil {
		models.WriteProblem(w, http.StatusUnauthorized, "Unauthorized", "bad credentials", nil)
		return
	}
	tok, err := h.tokens.Issue(u.ID, u.Role, time.Now().UTC())
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Token error", err.Error(), nil)
		return
	}
	models.WriteJSON(w, http.StatusOK, map[string]any{
		"access_token": tok,
		"token_type":   "bearer",
		"role":         u.Role,
	})
}

// HashPassword — для сидинга пользователей и тестов.
func HashPassword(pw string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	return string(b), err
}
