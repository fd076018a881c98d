// client.go — HTTP-клиент к Keycloak Admin REST API.
// Реализует автоматическое получение service account token через Client Credentials flow,
// кэширование токена (обновление за 30s до expiration).
// Операции: GetUser, FindUserByUsername, GetUserGroups, AddUserToGroup,
// RemoveUserFromGroup, RealmInfo. Соответствие "имя группы → id" кэшируется в LRU.
package keycloak

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ErrNotFound — пользователь или группа отсутствуют в Keycloak.
var ErrNotFound = errors.New("объект не найден в Keycloak")

// StatusError — неожиданный HTTP-статус Keycloak.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("Keycloak API вернул статус %d: %s", e.Status, e.Body)
}

// Client — HTTP-клиент к Keycloak Admin REST API.
// Безопасен для конкурентного использования.
type Client struct {
	baseURL      string // Базовый URL Keycloak (без trailing slash)
	realm        string // Имя realm
	clientID     string // Client ID для Client Credentials flow
	clientSecret string // Client Secret

	httpClient *http.Client
	logger     *slog.Logger

	// Кэш "имя группы → id группы Keycloak"
	groups *expirable.LRU[string, string]

	// Кэш токена доступа
	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// New создаёт клиент к Keycloak Admin REST API.
// baseURL — базовый URL Keycloak (например, https://keycloak.kryukov.lan).
// httpClient — HTTP-клиент (может содержать TLS конфигурацию и таймаут запроса).
// cacheSize, cacheTTL — параметры LRU-кэша id групп.
func New(baseURL, realm, clientID, clientSecret string, httpClient *http.Client,
	cacheSize int, cacheTTL time.Duration, logger *slog.Logger,
) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cacheSize <= 0 {
		cacheSize = 1024
	}

	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		realm:        realm,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   httpClient,
		logger:       logger.With(slog.String("component", "keycloak_client")),
		groups:       expirable.NewLRU[string, string](cacheSize, nil, cacheTTL),
	}
}

// --- Аутентификация ---

// tokenEndpoint возвращает URL endpoint'а получения токена.
func (c *Client) tokenEndpoint() string {
	return fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token", c.baseURL, c.realm)
}

// adminBaseURL возвращает базовый URL Admin REST API для realm.
func (c *Client) adminBaseURL() string {
	return fmt.Sprintf("%s/admin/realms/%s", c.baseURL, c.realm)
}

// getToken возвращает актуальный access token, обновляя при необходимости.
// Токен обновляется за 30 секунд до истечения.
func (c *Client) getToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Now().Add(30*time.Second).Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	token, err := c.requestToken(ctx)
	if err != nil {
		return "", err
	}

	c.accessToken = token.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)

	c.logger.Debug("Keycloak токен обновлён",
		slog.Time("expires_at", c.tokenExpiry),
	)

	return c.accessToken, nil
}

// requestToken выполняет Client Credentials flow.
func (c *Client) requestToken(ctx context.Context) (*TokenResponse, error) {
	data := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenEndpoint(), strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("создание запроса токена: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("запрос токена Keycloak: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &StatusError{Status: resp.StatusCode, Body: string(body)}
	}

	var token TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return nil, fmt.Errorf("декодирование токена Keycloak: %w", err)
	}

	return &token, nil
}

// --- HTTP helpers ---

// doAuthorized выполняет HTTP-запрос к Admin REST API с авторизацией.
func (c *Client) doAuthorized(ctx context.Context, method, path string, body any) (*http.Response, error) {
	token, err := c.getToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("получение токена: %w", err)
	}

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("сериализация тела запроса: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.adminBaseURL()+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("создание запроса: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

// decodeResponse декодирует JSON ответ в target. 404 — ErrNotFound.
func decodeResponse(resp *http.Response, target any) error {
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return &StatusError{Status: resp.StatusCode, Body: string(body)}
	}

	if target != nil {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			return fmt.Errorf("декодирование ответа Keycloak: %w", err)
		}
	}

	return nil
}

// checkResponse проверяет статус ответа (для запросов без тела ответа).
func checkResponse(resp *http.Response, expectedStatus int) error {
	defer resp.Body.Close()

	if resp.StatusCode == expectedStatus {
		return nil
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	body, _ := io.ReadAll(resp.Body)
	return &StatusError{Status: resp.StatusCode, Body: string(body)}
}

// --- Users API ---

// GetUser возвращает пользователя по Keycloak ID.
func (c *Client) GetUser(ctx context.Context, id string) (*KeycloakUser, error) {
	resp, err := c.doAuthorized(ctx, http.MethodGet, "/users/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}

	var user KeycloakUser
	if err := decodeResponse(resp, &user); err != nil {
		return nil, fmt.Errorf("GetUser: %w", err)
	}

	return &user, nil
}

// FindUserByUsername возвращает пользователя по точному username.
func (c *Client) FindUserByUsername(ctx context.Context, username string) (*KeycloakUser, error) {
	path := "/users?exact=true&username=" + url.QueryEscape(username)
	resp, err := c.doAuthorized(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var users []KeycloakUser
	if err := decodeResponse(resp, &users); err != nil {
		return nil, fmt.Errorf("FindUserByUsername: %w", err)
	}
	for i := range users {
		if strings.EqualFold(users[i].Username, username) {
			return &users[i], nil
		}
	}

	return nil, fmt.Errorf("FindUserByUsername %q: %w", username, ErrNotFound)
}

// userGroupsPageSize — размер страницы /users/{id}/groups
// (Keycloak по умолчанию отдаёт не более 100 записей).
const userGroupsPageSize = 100

// GetUserGroups возвращает все группы пользователя, запрашивая их
// страницами до первой неполной.
func (c *Client) GetUserGroups(ctx context.Context, userID string) ([]KeycloakGroup, error) {
	var groups []KeycloakGroup
	for first := 0; ; first += userGroupsPageSize {
		path := fmt.Sprintf("/users/%s/groups?first=%d&max=%d", url.PathEscape(userID), first, userGroupsPageSize)
		resp, err := c.doAuthorized(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}

		var page []KeycloakGroup
		if err := decodeResponse(resp, &page); err != nil {
			return nil, fmt.Errorf("GetUserGroups: %w", err)
		}
		groups = append(groups, page...)

		if len(page) < userGroupsPageSize {
			return groups, nil
		}
	}
}

// --- Groups API ---

// groupID возвращает id группы верхнего уровня по имени.
// При create = true отсутствующая группа создаётся.
func (c *Client) groupID(ctx context.Context, name string, create bool) (string, error) {
	if id, ok := c.groups.Get(name); ok {
		return id, nil
	}

	path := "/groups?exact=true&search=" + url.QueryEscape(name)
	resp, err := c.doAuthorized(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", err
	}

	var groups []KeycloakGroup
	if err := decodeResponse(resp, &groups); err != nil {
		return "", fmt.Errorf("поиск группы %q: %w", name, err)
	}
	for _, g := range groups {
		if g.Name == name {
			c.groups.Add(name, g.ID)
			return g.ID, nil
		}
	}

	if !create {
		return "", ErrNotFound
	}
	return c.createGroup(ctx, name)
}

// createGroup создаёт группу верхнего уровня и возвращает её id.
func (c *Client) createGroup(ctx context.Context, name string) (string, error) {
	resp, err := c.doAuthorized(ctx, http.MethodPost, "/groups", groupCreateRequest{Name: name})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return "", &StatusError{Status: resp.StatusCode, Body: string(body)}
	}

	// Keycloak возвращает Location header с ID созданного ресурса
	location := resp.Header.Get("Location")
	idx := strings.LastIndex(location, "/")
	if idx < 0 || idx == len(location)-1 {
		return "", fmt.Errorf("createGroup: не удалось извлечь ID из Location: %q", location)
	}
	id := location[idx+1:]

	c.groups.Add(name, id)
	c.logger.Info("Группа создана в Keycloak",
		slog.String("group", name),
		slog.String("id", id),
	)
	return id, nil
}

// AddUserToGroup добавляет группу в профиль пользователя.
// Отсутствующая в Keycloak группа создаётся. Повторный вызов безопасен.
func (c *Client) AddUserToGroup(ctx context.Context, userID, groupName string) error {
	gid, err := c.groupID(ctx, groupName, true)
	if err != nil {
		return fmt.Errorf("AddUserToGroup: %w", err)
	}

	path := fmt.Sprintf("/users/%s/groups/%s", url.PathEscape(userID), url.PathEscape(gid))
	resp, err := c.doAuthorized(ctx, http.MethodPut, path, nil)
	if err != nil {
		return err
	}
	if err := checkResponse(resp, http.StatusNoContent); err != nil {
		if errors.Is(err, ErrNotFound) {
			// Группа могла быть удалена вне сервиса — сбрасываем кэш
			c.groups.Remove(groupName)
		}
		return fmt.Errorf("AddUserToGroup: %w", err)
	}
	return nil
}

// RemoveUserFromGroup удаляет группу из профиля пользователя.
// Если группы нет в Keycloak, удалять нечего — возвращается nil.
func (c *Client) RemoveUserFromGroup(ctx context.Context, userID, groupName string) error {
	gid, err := c.groupID(ctx, groupName, false)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("RemoveUserFromGroup: %w", err)
	}

	path := fmt.Sprintf("/users/%s/groups/%s", url.PathEscape(userID), url.PathEscape(gid))
	resp, err := c.doAuthorized(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	if err := checkResponse(resp, http.StatusNoContent); err != nil {
		return fmt.Errorf("RemoveUserFromGroup: %w", err)
	}
	return nil
}

// --- Realm API ---

// RealmInfo возвращает информацию о realm.
func (c *Client) RealmInfo(ctx context.Context) (*RealmRepresentation, error) {
	resp, err := c.doAuthorized(ctx, http.MethodGet, "", nil)
	if err != nil {
		return nil, err
	}

	var realm RealmRepresentation
	if err := decodeResponse(resp, &realm); err != nil {
		return nil, fmt.Errorf("RealmInfo: %w", err)
	}

	return &realm, nil
}

// --- Readiness checker ---

// CheckReady проверяет доступность Keycloak через realm info.
// Реализует handlers.ReadinessChecker.
func (c *Client) CheckReady() (string, string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	realm, err := c.RealmInfo(ctx)
	if err != nil {
		return "fail", fmt.Sprintf("Keycloak недоступен: %v", err)
	}

	if !realm.Enabled {
		return "degraded", fmt.Sprintf("Realm %s отключён", realm.Realm)
	}

	return "ok", fmt.Sprintf("Realm %s доступен", realm.Realm)
}
