package service

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/nextstep-learning/tutoring-api/internal/models"
	appErrors "github.com/nextstep-learning/tutoring-api/pkg/errors"
)

type mockUserRepo struct {
	byEmail       map[string]models.User
	byID          map[string]models.User
	created       *models.User
	createErr     error
	refreshTokens map[string]models.RefreshToken
	revoked       []string
}

func (m *mockUserRepo) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	if u, ok := m.byEmail[email]; ok {
		return &u, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*models.User, error) {
	if u, ok := m.byID[id]; ok {
		return &u, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockUserRepo) Create(ctx context.Context, user *models.User) error {
	if m.createErr != nil {
		return m.createErr
	}
	if user.ID == "" {
		user.ID = "new-user"
	}
	if m.byEmail == nil {
		m.byEmail = make(map[string]models.User)
	}
	m.byEmail[user.Email] = *user
	m.created = user
	return nil
}

func (m *mockUserRepo) UpdateLastLogin(ctx context.Context, id string, ts time.Time) error {
	return nil
}

func (m *mockUserRepo) UpdatePassword(ctx context.Context, id, passwordHash string, updatedAt time.Time) error {
	return nil
}

func (m *mockUserRepo) RevokeUserRefreshTokens(ctx context.Context, userID string) error {
	m.revoked = append(m.revoked, userID)
	return nil
}

func (m *mockUserRepo) CreateRefreshToken(ctx context.Context, token *models.RefreshToken) error {
	if m.refreshTokens == nil {
		m.refreshTokens = make(map[string]models.RefreshToken)
	}
	m.refreshTokens[token.Token] = *token
	return nil
}

func (m *mockUserRepo) FindRefreshToken(ctx context.Context, token string) (*models.RefreshToken, error) {
	if rt, ok := m.refreshTokens[token]; ok {
		return &rt, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockUserRepo) RevokeRefreshToken(ctx context.Context, id string, revokedAt time.Time) error {
	for key, rt := range m.refreshTokens {
		if rt.ID == id {
			rt.Revoked = true
			rt.RevokedAt = &revokedAt
			m.refreshTokens[key] = rt
		}
	}
	return nil
}

type mockProfileCreator struct {
	created *models.Profile
	err     error
}

func (m *mockProfileCreator) Create(ctx context.Context, profile *models.Profile) error {
	if m.err != nil {
		return m.err
	}
	m.created = profile
	return nil
}

type mockStudentCreator struct {
	created *models.Student
	err     error
}

func (m *mockStudentCreator) Create(ctx context.Context, student *models.Student) error {
	if m.err != nil {
		return m.err
	}
	if student.ID == "" {
		student.ID = "new-student"
	}
	m.created = student
	return nil
}

func testAuthConfig() AuthConfig {
	return AuthConfig{
		AccessTokenSecret:  "test-secret",
		AccessTokenExpiry:  15 * time.Minute,
		RefreshTokenExpiry: 24 * time.Hour,
		Issuer:             "tutoring-api-test",
	}
}

func TestSignupCreatesAccountWithSecondaryRecords(t *testing.T) {
	users := &mockUserRepo{}
	profiles := &mockProfileCreator{}
	students := &mockStudentCreator{}
	svc := NewAuthService(users, profiles, students, validator.New(), zap.NewNop(), testAuthConfig())

	resp, err := svc.Signup(context.Background(), models.SignupRequest{
		Email:    "alex@example.com",
		Password: "hunter22",
		FullName: "Alex Lee",
		Phone:    "0411111111",
		School:   "Northside High",
	})
	require.NoError(t, err)

	assert.Equal(t, models.RoleStudent, resp.User.Role)
	assert.Empty(t, resp.Warnings)

	require.NotNil(t, users.created)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(users.created.PasswordHash), []byte("hunter22")))

	require.NotNil(t, profiles.created)
	assert.Equal(t, users.created.ID, profiles.created.ID)
	require.NotNil(t, students.created)
	assert.Equal(t, models.StudentStatusInactive, students.created.Status)
}

func TestSignupSecondaryFailuresBecomeWarnings(t *testing.T) {
	users := &mockUserRepo{}
	profiles := &mockProfileCreator{err: errors.New("profiles unavailable")}
	students := &mockStudentCreator{err: errors.New("students unavailable")}
	svc := NewAuthService(users, profiles, students, validator.New(), zap.NewNop(), testAuthConfig())

	resp, err := svc.Signup(context.Background(), models.SignupRequest{
		Email:    "alex@example.com",
		Password: "hunter22",
		FullName: "Alex Lee",
	})
	require.NoError(t, err)
	require.Len(t, resp.Warnings, 2)
	assert.Equal(t, "create_profile", resp.Warnings[0].Action)
	assert.Equal(t, "create_student", resp.Warnings[1].Action)
}

func TestSignupDuplicateEmailConflict(t *testing.T) {
	users := &mockUserRepo{createErr: appErrors.Clone(appErrors.ErrConflict, "an account with this email already exists")}
	svc := NewAuthService(users, &mockProfileCreator{}, &mockStudentCreator{}, validator.New(), zap.NewNop(), testAuthConfig())

	_, err := svc.Signup(context.Background(), models.SignupRequest{
		Email:    "alex@example.com",
		Password: "hunter22",
		FullName: "Alex Lee",
	})
	require.Error(t, err)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, appErrors.ErrConflict.Code, appErr.Code)
}

func TestLoginIssuesTokens(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter22"), bcrypt.DefaultCost)
	require.NoError(t, err)
	users := &mockUserRepo{byEmail: map[string]models.User{
		"alex@example.com": {ID: "user-1", Email: "alex@example.com", PasswordHash: string(hash), FullName: "Alex Lee", Role: models.RoleStudent, Active: true},
	}}
	svc := NewAuthService(users, &mockProfileCreator{}, &mockStudentCreator{}, validator.New(), zap.NewNop(), testAuthConfig())

	resp, err := svc.Login(context.Background(), models.LoginRequest{Email: "alex@example.com", Password: "hunter22"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.Equal(t, "user-1", resp.User.ID)

	claims, err := svc.ValidateToken(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, models.RoleStudent, claims.Role)
}

func TestLoginWrongPassword(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter22"), bcrypt.DefaultCost)
	require.NoError(t, err)
	users := &mockUserRepo{byEmail: map[string]models.User{
		"alex@example.com": {ID: "user-1", Email: "alex@example.com", PasswordHash: string(hash), Active: true},
	}}
	svc := NewAuthService(users, &mockProfileCreator{}, &mockStudentCreator{}, validator.New(), zap.NewNop(), testAuthConfig())

	_, err = svc.Login(context.Background(), models.LoginRequest{Email: "alex@example.com", Password: "wrong"})
	require.Error(t, err)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, appErrors.ErrInvalidCredentials.Code, appErr.Code)
}

func TestLoginInactiveAccount(t *testing.T) {
	users := &mockUserRepo{byEmail: map[string]models.User{
		"alex@example.com": {ID: "user-1", Email: "alex@example.com", Active: false},
	}}
	svc := NewAuthService(users, &mockProfileCreator{}, &mockStudentCreator{}, validator.New(), zap.NewNop(), testAuthConfig())

	_, err := svc.Login(context.Background(), models.LoginRequest{Email: "alex@example.com", Password: "hunter22"})
	require.Error(t, err)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, appErrors.ErrInactiveAccount.Code, appErr.Code)
}

func TestRefreshTokenRotates(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter22"), bcrypt.DefaultCost)
	require.NoError(t, err)
	users := &mockUserRepo{
		byEmail: map[string]models.User{
			"alex@example.com": {ID: "user-1", Email: "alex@example.com", PasswordHash: string(hash), Active: true},
		},
		byID: map[string]models.User{
			"user-1": {ID: "user-1", Email: "alex@example.com", PasswordHash: string(hash), Active: true},
		},
	}
	svc := NewAuthService(users, &mockProfileCreator{}, &mockStudentCreator{}, validator.New(), zap.NewNop(), testAuthConfig())

	login, err := svc.Login(context.Background(), models.LoginRequest{Email: "alex@example.com", Password: "hunter22"})
	require.NoError(t, err)

	refreshed, err := svc.RefreshToken(context.Background(), models.RefreshTokenRequest{RefreshToken: login.RefreshToken})
	require.NoError(t, err)
	assert.NotEqual(t, login.RefreshToken, refreshed.RefreshToken)

	// Old token was revoked by rotation.
	stored := users.refreshTokens[login.RefreshToken]
	assert.True(t, stored.Revoked)
}
