// dto.go — JSON-представления доменных типов и функции маппинга.
package handlers

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/groups-module/internal/domain/model"
)

// --- Запросы ---

type memberRequest struct {
	User       uuid.UUID  `json:"user"`
	Expiration *time.Time `json:"expiration,omitempty"`
	// NoHost — только sudo: членство записывается без хоста
	NoHost bool `json:"no_host,omitempty"`
}

type expirationRequest struct {
	Expiration *time.Time `json:"expiration"`
}

type userRequest struct {
	User   uuid.UUID `json:"user"`
	NoHost bool      `json:"no_host,omitempty"`
}

type transferRequest struct {
	Group   string    `json:"group"`
	OldUser uuid.UUID `json:"old_user"`
	NewUser uuid.UUID `json:"new_user"`
}

type revokeRequest struct {
	Groups  []string `json:"groups"`
	Force   bool     `json:"force"`
	Notify  bool     `json:"notify"`
	Comment string   `json:"comment,omitempty"`
}

type groupCreateRequest struct {
	Name            string   `json:"name"`
	Type            string   `json:"type"`
	Description     string   `json:"description"`
	Trust           string   `json:"trust"`
	Capabilities    []string `json:"capabilities"`
	GroupExpiration *int     `json:"group_expiration,omitempty"`
}

type trustRequest struct {
	Trust string `json:"trust"`
}

// --- Ответы ---

type pageResponse[T any] struct {
	Items []T  `json:"items"`
	Next  *int `json:"next"`
}

// mapPage преобразует страницу доменных объектов.
func mapPage[S, T any](p model.Page[S], fn func(S) T) pageResponse[T] {
	items := make([]T, len(p.Items))
	for i, item := range p.Items {
		items[i] = fn(item)
	}
	return pageResponse[T]{Items: items, Next: p.Next}
}

type groupResponse struct {
	ID              int       `json:"id"`
	Name            string    `json:"name"`
	Type            string    `json:"type"`
	Description     string    `json:"description"`
	Trust           string    `json:"trust"`
	Capabilities    []string  `json:"capabilities"`
	GroupExpiration *int      `json:"group_expiration"`
	Active          bool      `json:"active"`
	Created         time.Time `json:"created"`
}

func mapGroup(g *model.Group) groupResponse {
	caps := g.Capabilities
	if caps == nil {
		caps = []string{}
	}
	return groupResponse{
		ID:              g.ID,
		Name:            g.Name,
		Type:            string(g.Type),
		Description:     g.Description,
		Trust:           string(g.Trust),
		Capabilities:    caps,
		GroupExpiration: g.GroupExpiration,
		Active:          g.Active,
		Created:         g.Created,
	}
}

type memberResponse struct {
	UserUUID   uuid.UUID           `json:"user_uuid"`
	Username   string              `json:"username"`
	FirstName  string              `json:"first_name,omitempty"`
	LastName   string              `json:"last_name,omitempty"`
	Email      string              `json:"email,omitempty"`
	Picture    string              `json:"picture,omitempty"`
	Trust      string              `json:"trust"`
	Role       string              `json:"role"`
	Expiration *time.Time          `json:"expiration"`
	AddedBy    uuid.UUID           `json:"added_by"`
	AddedTS    time.Time           `json:"added_ts"`
	Host       *memberHostResponse `json:"host,omitempty"`
}

type memberHostResponse struct {
	UserUUID  uuid.UUID `json:"user_uuid"`
	Username  string    `json:"username"`
	FirstName string    `json:"first_name,omitempty"`
	LastName  string    `json:"last_name,omitempty"`
	Email     string    `json:"email,omitempty"`
}

func mapMember(m model.Member) memberResponse {
	resp := memberResponse{
		UserUUID:   m.UserUUID,
		Username:   m.Username,
		FirstName:  m.FirstName,
		LastName:   m.LastName,
		Email:      m.Email,
		Picture:    m.Picture,
		Trust:      string(m.Trust),
		Role:       string(m.Role),
		Expiration: m.Expiration,
		AddedBy:    m.AddedBy,
		AddedTS:    m.AddedTS,
	}
	if m.Host != nil {
		resp.Host = &memberHostResponse{
			UserUUID:  m.Host.UUID,
			Username:  m.Host.Username,
			FirstName: m.Host.FirstName,
			LastName:  m.Host.LastName,
			Email:     m.Host.Email,
		}
	}
	return resp
}

type pendingRequestResponse struct {
	UserUUID          uuid.UUID  `json:"user_uuid"`
	Username          string     `json:"username"`
	Email             string     `json:"email,omitempty"`
	RequestExpiration *time.Time `json:"request_expiration"`
	Created           time.Time  `json:"created"`
}

func mapPendingRequest(p model.PendingRequest) pendingRequestResponse {
	return pendingRequestResponse{
		UserUUID:          p.UserUUID,
		Username:          p.Username,
		Email:             p.Email,
		RequestExpiration: p.RequestExpiration,
		Created:           p.Created,
	}
}

type logEntryResponse struct {
	ID        int64           `json:"id"`
	TS        time.Time       `json:"ts"`
	Target    string          `json:"target"`
	Operation string          `json:"operation"`
	GroupID   int             `json:"group_id"`
	HostUUID  uuid.UUID       `json:"host_uuid"`
	UserUUID  *uuid.UUID      `json:"user_uuid"`
	Body      json.RawMessage `json:"body,omitempty"`
}

func mapLogEntry(e *model.LogEntry) logEntryResponse {
	return logEntryResponse{
		ID:        e.ID,
		TS:        e.TS,
		Target:    string(e.Target),
		Operation: string(e.Operation),
		GroupID:   e.GroupID,
		HostUUID:  e.HostUUID,
		UserUUID:  e.UserUUID,
		Body:      e.Body,
	}
}

type failureResponse struct {
	UserUUID uuid.UUID `json:"user_uuid"`
	Group    string    `json:"group,omitempty"`
	Error    string    `json:"error"`
}

type batchResponse struct {
	Succeeded   int               `json:"succeeded"`
	Failed      int               `json:"failed"`
	Failures    []failureResponse `json:"failures"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt time.Time         `json:"completed_at"`
}

func mapBatch(r model.BatchResult) batchResponse {
	failures := make([]failureResponse, len(r.Failures))
	for i, f := range r.Failures {
		failures[i] = failureResponse{UserUUID: f.UserUUID, Group: f.Group, Error: f.Error}
	}
	return batchResponse{
		Succeeded:   r.Succeeded,
		Failed:      r.Failed,
		Failures:    failures,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
	}
}

type groupDiffResponse struct {
	UserUUID uuid.UUID `json:"user_uuid"`
	Missing  []string  `json:"missing"`
	Extra    []string  `json:"extra"`
}

func mapDiff(d model.GroupDiff) groupDiffResponse {
	missing, extra := d.Missing, d.Extra
	if missing == nil {
		missing = []string{}
	}
	if extra == nil {
		extra = []string{}
	}
	return groupDiffResponse{UserUUID: d.UserUUID, Missing: missing, Extra: extra}
}

type consolidationResponse struct {
	DryRun bool                `json:"dry_run"`
	Diffs  []groupDiffResponse `json:"diffs"`
	batchResponse
}

func mapConsolidation(r *model.ConsolidationResult) consolidationResponse {
	diffs := make([]groupDiffResponse, len(r.Diffs))
	for i, d := range r.Diffs {
		diffs[i] = mapDiff(d)
	}
	return consolidationResponse{DryRun: r.DryRun, Diffs: diffs, batchResponse: mapBatch(r.BatchResult)}
}

type importResponse struct {
	Group     string        `json:"group"`
	Curators  batchResponse `json:"curators"`
	Members   batchResponse `json:"members"`
	CreatedAt time.Time     `json:"created_at"`
}

func mapImport(r *model.ImportResult) importResponse {
	return importResponse{
		Group:     r.Group,
		Curators:  mapBatch(r.Curators),
		Members:   mapBatch(r.Members),
		CreatedAt: r.CreatedAt,
	}
}

type jobStateResponse struct {
	Job           string     `json:"job"`
	LastRunAt     *time.Time `json:"last_run_at"`
	LastSucceeded int        `json:"last_succeeded"`
	LastFailed    int        `json:"last_failed"`
	LastError     *string    `json:"last_error"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func mapJobState(s *model.JobState) jobStateResponse {
	return jobStateResponse{
		Job:           s.Job,
		LastRunAt:     s.LastRunAt,
		LastSucceeded: s.LastSucceeded,
		LastFailed:    s.LastFailed,
		LastError:     s.LastError,
		UpdatedAt:     s.UpdatedAt,
	}
}

type uuidListResponse struct {
	Users []uuid.UUID `json:"users"`
}

type profileResponse struct {
	UserUUID  uuid.UUID `json:"user_uuid"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Picture   string    `json:"picture"`
	Trust     string    `json:"trust"`
	UpdatedAt time.Time `json:"updated_at"`
}

type userMembershipResponse struct {
	GroupID    int        `json:"group_id"`
	Group      string     `json:"group"`
	RoleID     int        `json:"role_id"`
	Expiration *time.Time `json:"expiration"`
	AddedBy    uuid.UUID  `json:"added_by"`
	AddedTS    time.Time  `json:"added_ts"`
}

type invitationResponse struct {
	GroupID              int        `json:"group_id"`
	InvitationExpiration *time.Time `json:"invitation_expiration"`
	GroupExpiration      *int       `json:"group_expiration"`
	AddedBy              uuid.UUID  `json:"added_by"`
	Created              time.Time  `json:"created"`
}

type requestResponse struct {
	GroupID           int        `json:"group_id"`
	RequestExpiration *time.Time `json:"request_expiration"`
	Created           time.Time  `json:"created"`
}

type userDataResponse struct {
	Profile     *profileResponse         `json:"profile"`
	Memberships []userMembershipResponse `json:"memberships"`
	Invitations []invitationResponse     `json:"invitations"`
	Requests    []requestResponse        `json:"requests"`
	Logs        []logEntryResponse       `json:"logs"`
}

func mapUserData(d *model.UserData) userDataResponse {
	resp := userDataResponse{
		Memberships: make([]userMembershipResponse, 0, len(d.Memberships)),
		Invitations: make([]invitationResponse, 0, len(d.Invitations)),
		Requests:    make([]requestResponse, 0, len(d.Requests)),
		Logs:        make([]logEntryResponse, 0, len(d.Logs)),
	}
	if p := d.Profile; p != nil {
		resp.Profile = &profileResponse{
			UserUUID:  p.UUID,
			Username:  p.Username,
			Email:     p.Email,
			FirstName: p.FirstName,
			LastName:  p.LastName,
			Picture:   p.Picture,
			Trust:     string(p.Trust),
			UpdatedAt: p.UpdatedAt,
		}
	}
	for _, m := range d.Memberships {
		resp.Memberships = append(resp.Memberships, userMembershipResponse{
			GroupID:    m.GroupID,
			Group:      m.GroupName,
			RoleID:     m.RoleID,
			Expiration: m.Expiration,
			AddedBy:    m.AddedBy,
			AddedTS:    m.AddedTS,
		})
	}
	for _, inv := range d.Invitations {
		resp.Invitations = append(resp.Invitations, invitationResponse{
			GroupID:              inv.GroupID,
			InvitationExpiration: inv.InvitationExpiration,
			GroupExpiration:      inv.GroupExpiration,
			AddedBy:              inv.AddedBy,
			Created:              inv.Created,
		})
	}
	for _, req := range d.Requests {
		resp.Requests = append(resp.Requests, requestResponse{
			GroupID:           req.GroupID,
			RequestExpiration: req.RequestExpiration,
			Created:           req.Created,
		})
	}
	for _, e := range d.Logs {
		resp.Logs = append(resp.Logs, mapLogEntry(e))
	}
	return resp
}
