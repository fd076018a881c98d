package keycloak

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/groups-module/internal/domain/model"
)

// testLogger создаёт logger для тестов.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// setupMockKeycloak создаёт mock HTTP-сервер Keycloak.
// tokenHandler обрабатывает запросы на получение токена.
// adminHandler обрабатывает запросы к Admin REST API.
func setupMockKeycloak(t *testing.T, tokenHandler, adminHandler http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()

	mux := http.NewServeMux()

	// Token endpoint
	mux.HandleFunc("/realms/groups/protocol/openid-connect/token", func(w http.ResponseWriter, r *http.Request) {
		if tokenHandler != nil {
			tokenHandler(w, r)
			return
		}
		// Дефолтный ответ: валидный токен на 300 секунд
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(TokenResponse{
			AccessToken: "test-access-token",
			TokenType:   "Bearer",
			ExpiresIn:   300,
		})
	})

	// Admin REST API
	mux.HandleFunc("/admin/realms/groups/", func(w http.ResponseWriter, r *http.Request) {
		if adminHandler != nil {
			adminHandler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client := New(
		server.URL,
		"groups",
		"groups-module",
		"test-secret",
		server.Client(),
		16,
		time.Minute,
		testLogger(),
	)

	return server, client
}

// TestClient_TokenCaching проверяет кэширование токена.
func TestClient_TokenCaching(t *testing.T) {
	tokenRequests := 0

	_, client := setupMockKeycloak(t,
		func(w http.ResponseWriter, r *http.Request) {
			tokenRequests++
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(TokenResponse{
				AccessToken: "cached-token",
				TokenType:   "Bearer",
				ExpiresIn:   300,
			})
		},
		nil,
	)

	ctx := context.Background()

	// Первый запрос — получение токена
	token1, err := client.getToken(ctx)
	if err != nil {
		t.Fatalf("Ошибка получения токена: %v", err)
	}
	if token1 != "cached-token" {
		t.Errorf("ожидался cached-token, получен %s", token1)
	}

	// Второй запрос — из кэша (не должен вызывать HTTP)
	token2, err := client.getToken(ctx)
	if err != nil {
		t.Fatalf("Ошибка получения токена: %v", err)
	}
	if token2 != "cached-token" {
		t.Errorf("ожидался cached-token, получен %s", token2)
	}

	if tokenRequests != 1 {
		t.Errorf("ожидался 1 запрос токена, было %d", tokenRequests)
	}
}

// TestClient_TokenRefresh проверяет обновление истёкшего токена.
func TestClient_TokenRefresh(t *testing.T) {
	tokenRequests := 0

	_, client := setupMockKeycloak(t,
		func(w http.ResponseWriter, r *http.Request) {
			tokenRequests++
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(TokenResponse{
				AccessToken: "refreshed-token",
				TokenType:   "Bearer",
				ExpiresIn:   300,
			})
		},
		nil,
	)

	// Устанавливаем «просроченный» токен в кэш
	client.accessToken = "old-token"
	client.tokenExpiry = time.Now().Add(-time.Second)

	ctx := context.Background()
	token, err := client.getToken(ctx)
	if err != nil {
		t.Fatalf("Ошибка обновления токена: %v", err)
	}
	if token != "refreshed-token" {
		t.Errorf("ожидался refreshed-token, получен %s", token)
	}
	if tokenRequests != 1 {
		t.Errorf("ожидался 1 запрос токена, было %d", tokenRequests)
	}
}

// TestClient_TokenRefreshBefore30s проверяет обновление за 30 секунд до истечения.
func TestClient_TokenRefreshBefore30s(t *testing.T) {
	tokenRequests := 0

	_, client := setupMockKeycloak(t,
		func(w http.ResponseWriter, r *http.Request) {
			tokenRequests++
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(TokenResponse{
				AccessToken: "new-token",
				TokenType:   "Bearer",
				ExpiresIn:   300,
			})
		},
		nil,
	)

	// Токен истекает через 20 секунд — должен обновиться (< 30s)
	client.accessToken = "expiring-token"
	client.tokenExpiry = time.Now().Add(20 * time.Second)

	ctx := context.Background()
	token, err := client.getToken(ctx)
	if err != nil {
		t.Fatalf("Ошибка обновления токена: %v", err)
	}
	if token != "new-token" {
		t.Errorf("ожидался new-token, получен %s", token)
	}
}

// TestClient_ClientCredentialsFlow проверяет формат запроса Client Credentials.
func TestClient_ClientCredentialsFlow(t *testing.T) {
	_, client := setupMockKeycloak(t,
		func(w http.ResponseWriter, r *http.Request) {
			// Проверяем метод
			if r.Method != http.MethodPost {
				t.Errorf("ожидался POST, получен %s", r.Method)
			}
			// Проверяем Content-Type
			ct := r.Header.Get("Content-Type")
			if ct != "application/x-www-form-urlencoded" {
				t.Errorf("ожидался Content-Type application/x-www-form-urlencoded, получен %s", ct)
			}
			// Проверяем параметры
			if err := r.ParseForm(); err != nil {
				t.Fatalf("Ошибка парсинга формы: %v", err)
			}
			if r.Form.Get("grant_type") != "client_credentials" {
				t.Errorf("ожидался grant_type=client_credentials, получен %s", r.Form.Get("grant_type"))
			}
			if r.Form.Get("client_id") != "groups-module" {
				t.Errorf("ожидался client_id=groups-module, получен %s", r.Form.Get("client_id"))
			}
			if r.Form.Get("client_secret") != "test-secret" {
				t.Errorf("ожидался client_secret=test-secret, получен %s", r.Form.Get("client_secret"))
			}

			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(TokenResponse{
				AccessToken: "ok",
				TokenType:   "Bearer",
				ExpiresIn:   300,
			})
		},
		nil,
	)

	_, err := client.getToken(context.Background())
	if err != nil {
		t.Fatalf("Ошибка: %v", err)
	}
}

// TestClient_TokenError проверяет обработку ошибки получения токена.
func TestClient_TokenError(t *testing.T) {
	_, client := setupMockKeycloak(t,
		func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"invalid_client"}`))
		},
		nil,
	)

	_, err := client.getToken(context.Background())
	if err == nil {
		t.Fatal("ожидалась ошибка, получен nil")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("ожидалась ошибка со статусом 401, получена: %v", err)
	}
}

// TestClient_GetUser проверяет GetUser и преобразование в профиль.
func TestClient_GetUser(t *testing.T) {
	const id = "6f1f5a4e-3c1d-4d7e-9b2a-1a2b3c4d5e6f"
	_, client := setupMockKeycloak(t, nil,
		func(w http.ResponseWriter, r *http.Request) {
			if auth := r.Header.Get("Authorization"); auth != "Bearer test-access-token" {
				t.Errorf("ожидался Bearer test-access-token, получен %s", auth)
			}
			if strings.HasSuffix(r.URL.Path, "/users/"+id) {
				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode(KeycloakUser{
					ID:         id,
					Username:   "hknall",
					Email:      "hknall@example.com",
					FirstName:  "Hans",
					Enabled:    true,
					Attributes: map[string][]string{AttrTrust: {"staff"}, AttrPicture: {"https://pic"}},
				})
				return
			}
			w.WriteHeader(http.StatusNotFound)
		},
	)

	user, err := client.GetUser(context.Background(), id)
	if err != nil {
		t.Fatalf("Ошибка GetUser: %v", err)
	}
	profile, err := user.ToProfile()
	if err != nil {
		t.Fatalf("Ошибка ToProfile: %v", err)
	}
	if profile.UUID.String() != id || profile.Trust != model.TrustStaff || profile.Picture != "https://pic" {
		t.Errorf("неожиданный профиль: %+v", profile)
	}
}

// TestClient_GetUser_NotFound проверяет 404 → ErrNotFound.
func TestClient_GetUser_NotFound(t *testing.T) {
	_, client := setupMockKeycloak(t, nil, nil)

	_, err := client.GetUser(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("ожидался ErrNotFound, получен %v", err)
	}
}

// TestClient_GetUser_ServerError проверяет 5xx → StatusError.
func TestClient_GetUser_ServerError(t *testing.T) {
	_, client := setupMockKeycloak(t, nil,
		func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		},
	)

	_, err := client.GetUser(context.Background(), "user-1")
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Status != http.StatusBadGateway {
		t.Errorf("ожидался StatusError 502, получен %v", err)
	}
}

// TestClient_FindUserByUsername проверяет точный поиск по username.
func TestClient_FindUserByUsername(t *testing.T) {
	_, client := setupMockKeycloak(t, nil,
		func(w http.ResponseWriter, r *http.Request) {
			if strings.HasSuffix(r.URL.Path, "/users") {
				if r.URL.Query().Get("exact") != "true" {
					t.Errorf("ожидался exact=true")
				}
				w.Header().Set("Content-Type", "application/json")
				if r.URL.Query().Get("username") == "alice" {
					json.NewEncoder(w).Encode([]KeycloakUser{{ID: "u-1", Username: "alice"}})
					return
				}
				json.NewEncoder(w).Encode([]KeycloakUser{})
				return
			}
			w.WriteHeader(http.StatusNotFound)
		},
	)

	user, err := client.FindUserByUsername(context.Background(), "alice")
	if err != nil || user.ID != "u-1" {
		t.Fatalf("FindUserByUsername(alice) = %v, %v", user, err)
	}
	if _, err := client.FindUserByUsername(context.Background(), "bob"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindUserByUsername(bob) = %v, ожидался ErrNotFound", err)
	}
}

// TestClient_GetUserGroups проверяет GetUserGroups.
func TestClient_GetUserGroups(t *testing.T) {
	_, client := setupMockKeycloak(t, nil,
		func(w http.ResponseWriter, r *http.Request) {
			if strings.HasSuffix(r.URL.Path, "/users/user-123/groups") {
				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode([]KeycloakGroup{
					{ID: "g-1", Name: "ships", Path: "/ships"},
				})
				return
			}
			w.WriteHeader(http.StatusNotFound)
		},
	)

	groups, err := client.GetUserGroups(context.Background(), "user-123")
	if err != nil {
		t.Fatalf("Ошибка GetUserGroups: %v", err)
	}
	if len(groups) != 1 || groups[0].Name != "ships" {
		t.Errorf("неожиданные группы: %+v", groups)
	}
}

// TestClient_GetUserGroups_Paging проверяет, что группы читаются
// страницами, пока Keycloak не вернёт неполную.
func TestClient_GetUserGroups_Paging(t *testing.T) {
	all := make([]KeycloakGroup, 150)
	for i := range all {
		name := fmt.Sprintf("ship-%03d", i)
		all[i] = KeycloakGroup{ID: "g-" + name, Name: name, Path: "/" + name}
	}

	var calls atomic.Int32
	_, client := setupMockKeycloak(t, nil,
		func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasSuffix(r.URL.Path, "/users/user-123/groups") {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			calls.Add(1)
			first, _ := strconv.Atoi(r.URL.Query().Get("first"))
			limit := 100
			if v := r.URL.Query().Get("max"); v != "" {
				limit, _ = strconv.Atoi(v)
			}
			limit = min(limit, 100)
			end := min(first+limit, len(all))
			page := []KeycloakGroup{}
			if first < end {
				page = all[first:end]
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(page)
		},
	)

	groups, err := client.GetUserGroups(context.Background(), "user-123")
	if err != nil {
		t.Fatalf("Ошибка GetUserGroups: %v", err)
	}
	if len(groups) != len(all) {
		t.Fatalf("получено %d групп, ожидалось %d", len(groups), len(all))
	}
	if groups[149].Name != "ship-149" {
		t.Errorf("последняя группа = %q", groups[149].Name)
	}
	if calls.Load() != 2 {
		t.Errorf("запросов = %d, ожидалось 2", calls.Load())
	}
}

// TestClient_AddUserToGroup_CreatesAndCaches проверяет создание группы
// и кэширование её id при повторных вызовах.
func TestClient_AddUserToGroup_CreatesAndCaches(t *testing.T) {
	var searches, creates, puts atomic.Int32

	_, client := setupMockKeycloak(t, nil,
		func(w http.ResponseWriter, r *http.Request) {
			path := strings.TrimPrefix(r.URL.Path, "/admin/realms/groups")
			switch {
			case r.Method == http.MethodGet && path == "/groups":
				searches.Add(1)
				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode([]KeycloakGroup{})
			case r.Method == http.MethodPost && path == "/groups":
				creates.Add(1)
				var req groupCreateRequest
				json.NewDecoder(r.Body).Decode(&req)
				if req.Name != "ships" {
					t.Errorf("ожидалось имя ships, получено %s", req.Name)
				}
				w.Header().Set("Location", "http://kc/admin/realms/groups/groups/g-42")
				w.WriteHeader(http.StatusCreated)
			case r.Method == http.MethodPut && path == "/users/u-1/groups/g-42":
				puts.Add(1)
				w.WriteHeader(http.StatusNoContent)
			default:
				t.Errorf("неожиданный запрос %s %s", r.Method, path)
				w.WriteHeader(http.StatusNotFound)
			}
		},
	)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := client.AddUserToGroup(ctx, "u-1", "ships"); err != nil {
			t.Fatalf("AddUserToGroup #%d: %v", i+1, err)
		}
	}

	if searches.Load() != 1 || creates.Load() != 1 {
		t.Errorf("поиск/создание группы: %d/%d, ожидалось 1/1", searches.Load(), creates.Load())
	}
	if puts.Load() != 2 {
		t.Errorf("PUT членства: %d, ожидалось 2", puts.Load())
	}
}

// TestClient_RemoveUserFromGroup_UnknownGroup проверяет, что удаление
// из отсутствующей в Keycloak группы не считается ошибкой.
func TestClient_RemoveUserFromGroup_UnknownGroup(t *testing.T) {
	_, client := setupMockKeycloak(t, nil,
		func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/groups") {
				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode([]KeycloakGroup{{ID: "g-1", Name: "ships-old"}})
				return
			}
			t.Errorf("неожиданный запрос %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusInternalServerError)
		},
	)

	if err := client.RemoveUserFromGroup(context.Background(), "u-1", "ships"); err != nil {
		t.Errorf("RemoveUserFromGroup() = %v, ожидался nil", err)
	}
}

// TestClient_RemoveUserFromGroup проверяет DELETE членства.
func TestClient_RemoveUserFromGroup(t *testing.T) {
	deleted := false
	_, client := setupMockKeycloak(t, nil,
		func(w http.ResponseWriter, r *http.Request) {
			path := strings.TrimPrefix(r.URL.Path, "/admin/realms/groups")
			switch {
			case r.Method == http.MethodGet && path == "/groups":
				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode([]KeycloakGroup{{ID: "g-7", Name: "ships"}})
			case r.Method == http.MethodDelete && path == "/users/u-1/groups/g-7":
				deleted = true
				w.WriteHeader(http.StatusNoContent)
			default:
				w.WriteHeader(http.StatusNotFound)
			}
		},
	)

	if err := client.RemoveUserFromGroup(context.Background(), "u-1", "ships"); err != nil {
		t.Fatalf("RemoveUserFromGroup() = %v", err)
	}
	if !deleted {
		t.Error("DELETE членства не выполнен")
	}
}

// TestClient_RealmInfo проверяет RealmInfo.
func TestClient_RealmInfo(t *testing.T) {
	_, client := setupMockKeycloak(t, nil,
		func(w http.ResponseWriter, r *http.Request) {
			path := strings.TrimPrefix(r.URL.Path, "/admin/realms/groups")
			if path == "" || path == "/" {
				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode(RealmRepresentation{Realm: "groups", Enabled: true})
				return
			}
			w.WriteHeader(http.StatusNotFound)
		},
	)

	realm, err := client.RealmInfo(context.Background())
	if err != nil {
		t.Fatalf("Ошибка RealmInfo: %v", err)
	}
	if realm.Realm != "groups" || !realm.Enabled {
		t.Errorf("неожиданный realm: %+v", realm)
	}

	if status, msg := client.CheckReady(); status != "ok" {
		t.Errorf("ожидался status=ok, получен %s: %s", status, msg)
	}
}

// TestClient_CheckReady_Fail проверяет CheckReady при недоступности.
func TestClient_CheckReady_Fail(t *testing.T) {
	client := New(
		"http://localhost:1", // Несуществующий адрес
		"groups",
		"groups-module",
		"secret",
		&http.Client{Timeout: 100 * time.Millisecond},
		16,
		time.Minute,
		testLogger(),
	)

	status, _ := client.CheckReady()
	if status != "fail" {
		t.Errorf("ожидался status=fail, получен %s", status)
	}
}

// TestKeycloakUser_ToProfile проверяет значения по умолчанию.
func TestKeycloakUser_ToProfile(t *testing.T) {
	u := &KeycloakUser{ID: "6f1f5a4e-3c1d-4d7e-9b2a-1a2b3c4d5e6f", Username: "x",
		Attributes: map[string][]string{AttrTrust: {"bogus"}}}
	p, err := u.ToProfile()
	if err != nil {
		t.Fatalf("ToProfile() ошибка: %v", err)
	}
	if p.Trust != model.TrustAuthenticated {
		t.Errorf("Trust = %q, ожидался authenticated", p.Trust)
	}

	if _, err := (&KeycloakUser{ID: "not-a-uuid"}).ToProfile(); err == nil {
		t.Error("ToProfile() с некорректным id не вернул ошибку")
	}
}

// TestCreatedAtTime проверяет конвертацию timestamp.
func TestCreatedAtTime(t *testing.T) {
	user := &KeycloakUser{
		CreatedAt: 1708617600000, // 2024-02-22T16:00:00Z в миллисекундах
	}
	ts := user.CreatedAtTime()
	if ts.Year() != 2024 || ts.Month() != time.February || ts.Day() != 22 {
		t.Errorf("неожиданная дата: %v", ts)
	}
}
