package service

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/groups-module/internal/domain/model"
	"github.com/bigkaa/goartstore/groups-module/internal/domain/rbac"
	"github.com/bigkaa/goartstore/groups-module/internal/keycloak"
	"github.com/bigkaa/goartstore/groups-module/internal/notify"
	"github.com/bigkaa/goartstore/groups-module/internal/repository"
	"github.com/bigkaa/goartstore/groups-module/internal/syncqueue"
)

// --- In-memory хранилище ---

type memKey struct {
	group int
	user  uuid.UUID
}

// memData — состояние in-memory хранилища. Копируется целиком
// для отката транзакции.
type memData struct {
	groups      map[int]model.Group
	roles       map[int]model.Role
	memberships map[memKey]model.Membership
	logs        []model.LogEntry
	invitations map[memKey]model.Invitation
	requests    map[memKey]model.Request
	profiles    map[uuid.UUID]model.UserProfile
	jobs        map[string]model.JobState
	nextGroup   int
	nextRole    int
	nextLog     int64
}

func (d *memData) clone() *memData {
	c := &memData{
		groups:      make(map[int]model.Group, len(d.groups)),
		roles:       make(map[int]model.Role, len(d.roles)),
		memberships: make(map[memKey]model.Membership, len(d.memberships)),
		logs:        slices.Clone(d.logs),
		invitations: make(map[memKey]model.Invitation, len(d.invitations)),
		requests:    make(map[memKey]model.Request, len(d.requests)),
		profiles:    make(map[uuid.UUID]model.UserProfile, len(d.profiles)),
		jobs:        make(map[string]model.JobState, len(d.jobs)),
		nextGroup:   d.nextGroup,
		nextRole:    d.nextRole,
		nextLog:     d.nextLog,
	}
	for k, v := range d.groups {
		c.groups[k] = v
	}
	for k, v := range d.roles {
		c.roles[k] = v
	}
	for k, v := range d.memberships {
		c.memberships[k] = v
	}
	for k, v := range d.invitations {
		c.invitations[k] = v
	}
	for k, v := range d.requests {
		c.requests[k] = v
	}
	for k, v := range d.profiles {
		c.profiles[k] = v
	}
	for k, v := range d.jobs {
		c.jobs[k] = v
	}
	return c
}

// memStore — in-memory реализация Store с откатом транзакций.
type memStore struct {
	txMu sync.Mutex
	mu   sync.Mutex
	data *memData
	now  func() time.Time
	// failAppend — ошибка записи аудита (проверка атомарности)
	failAppend error
}

func newMemStore() *memStore {
	return &memStore{
		data: &memData{
			groups:      map[int]model.Group{},
			roles:       map[int]model.Role{},
			memberships: map[memKey]model.Membership{},
			invitations: map[memKey]model.Invitation{},
			requests:    map[memKey]model.Request{},
			profiles:    map[uuid.UUID]model.UserProfile{},
			jobs:        map[string]model.JobState{},
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (s *memStore) Repos() *repository.Repositories {
	return &repository.Repositories{
		Groups:      &memGroups{s},
		Roles:       &memRoles{s},
		Memberships: &memMemberships{s},
		Logs:        &memLogs{s},
		Invitations: &memInvitations{s},
		Requests:    &memRequests{s},
		Profiles:    &memProfiles{s},
		Jobs:        &memJobs{s},
	}
}

func (s *memStore) InTx(ctx context.Context, fn func(r *repository.Repositories) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snapshot := s.data.clone()
	s.mu.Unlock()

	if err := fn(s.Repos()); err != nil {
		s.mu.Lock()
		s.data = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *memStore) lock() *memData {
	s.mu.Lock()
	return s.data
}

func (s *memStore) unlock() { s.mu.Unlock() }

// --- Вспомогательные методы для тестов ---

func (s *memStore) membership(groupID int, user uuid.UUID) (model.Membership, bool) {
	d := s.lock()
	defer s.unlock()
	m, ok := d.memberships[memKey{groupID, user}]
	return m, ok
}

func (s *memStore) membershipCount(groupID int, user uuid.UUID) int {
	d := s.lock()
	defer s.unlock()
	n := 0
	for k := range d.memberships {
		if k.group == groupID && k.user == user {
			n++
		}
	}
	return n
}

func (s *memStore) logEntries() []model.LogEntry {
	d := s.lock()
	defer s.unlock()
	return slices.Clone(d.logs)
}

func (s *memStore) roleCount(groupID int, typ model.RoleType) int {
	d := s.lock()
	defer s.unlock()
	n := 0
	for _, r := range d.roles {
		if r.GroupID == groupID && r.Type == typ {
			n++
		}
	}
	return n
}

func (s *memStore) putProfile(p model.UserProfile) {
	d := s.lock()
	defer s.unlock()
	d.profiles[p.UUID] = p
}

func (s *memStore) deleteProfile(id uuid.UUID) {
	d := s.lock()
	defer s.unlock()
	delete(d.profiles, id)
}

func (s *memStore) hasProfile(id uuid.UUID) bool {
	d := s.lock()
	defer s.unlock()
	_, ok := d.profiles[id]
	return ok
}

// --- Группы ---

type memGroups struct{ s *memStore }

func (r *memGroups) Create(_ context.Context, g *model.Group) error {
	d := r.s.lock()
	defer r.s.unlock()
	for _, existing := range d.groups {
		if existing.Name == g.Name {
			return repository.ErrConflict
		}
	}
	d.nextGroup++
	g.ID = d.nextGroup
	g.Created = r.s.now()
	d.groups[g.ID] = *g
	return nil
}

func (r *memGroups) GetByName(_ context.Context, name string) (*model.Group, error) {
	d := r.s.lock()
	defer r.s.unlock()
	for _, g := range d.groups {
		if g.Name == name {
			return &g, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *memGroups) GetByID(_ context.Context, id int) (*model.Group, error) {
	d := r.s.lock()
	defer r.s.unlock()
	g, ok := d.groups[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &g, nil
}

func (r *memGroups) update(id int, fn func(g *model.Group)) error {
	d := r.s.lock()
	defer r.s.unlock()
	g, ok := d.groups[id]
	if !ok {
		return repository.ErrNotFound
	}
	fn(&g)
	d.groups[id] = g
	return nil
}

func (r *memGroups) UpdateTrust(_ context.Context, id int, trust model.TrustType) error {
	return r.update(id, func(g *model.Group) { g.Trust = trust })
}

func (r *memGroups) SetActive(_ context.Context, id int, active bool) error {
	return r.update(id, func(g *model.Group) { g.Active = active })
}

func (r *memGroups) SetCreated(_ context.Context, id int, created time.Time) error {
	return r.update(id, func(g *model.Group) { g.Created = created })
}

func (r *memGroups) ListInactive(_ context.Context, limit, offset int) ([]*model.Group, error) {
	d := r.s.lock()
	defer r.s.unlock()
	var out []*model.Group
	for _, g := range d.groups {
		if !g.Active {
			g := g
			out = append(out, &g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return page(out, limit, offset), nil
}

func (r *memGroups) DeleteInactive(_ context.Context, name string) error {
	d := r.s.lock()
	defer r.s.unlock()
	for id, g := range d.groups {
		if g.Name == name && !g.Active {
			delete(d.groups, id)
			for rid, role := range d.roles {
				if role.GroupID == id {
					delete(d.roles, rid)
				}
			}
			for k := range d.memberships {
				if k.group == id {
					delete(d.memberships, k)
				}
			}
			return nil
		}
	}
	return repository.ErrNotFound
}

func (r *memGroups) DeactivateEmpty(_ context.Context) ([]*model.Group, error) {
	d := r.s.lock()
	defer r.s.unlock()
	used := map[int]bool{}
	for k := range d.memberships {
		used[k.group] = true
	}
	var out []*model.Group
	for id, g := range d.groups {
		if g.Active && !used[id] {
			g.Active = false
			d.groups[id] = g
			g := g
			out = append(out, &g)
		}
	}
	return out, nil
}

// --- Роли ---

type memRoles struct{ s *memStore }

func (r *memRoles) Create(_ context.Context, role *model.Role) error {
	d := r.s.lock()
	defer r.s.unlock()
	if role.Type != model.RoleCurator {
		for _, existing := range d.roles {
			if existing.GroupID == role.GroupID && existing.Type == role.Type {
				return repository.ErrConflict
			}
		}
	}
	d.nextRole++
	role.ID = d.nextRole
	d.roles[role.ID] = *role
	return nil
}

func (r *memRoles) GetByType(_ context.Context, groupID int, typ model.RoleType) (*model.Role, error) {
	d := r.s.lock()
	defer r.s.unlock()
	var found *model.Role
	for _, role := range d.roles {
		if role.GroupID == groupID && role.Type == typ && (found == nil || role.ID < found.ID) {
			role := role
			found = &role
		}
	}
	if found == nil {
		return nil, repository.ErrNotFound
	}
	return found, nil
}

func (r *memRoles) RoleFor(_ context.Context, user uuid.UUID, groupID int) (*model.Role, error) {
	d := r.s.lock()
	defer r.s.unlock()
	m, ok := d.memberships[memKey{groupID, user}]
	if !ok {
		return nil, repository.ErrNotFound
	}
	role := d.roles[m.RoleID]
	return &role, nil
}

func (r *memRoles) CountByType(_ context.Context, groupID int, typ model.RoleType) (int, error) {
	return r.s.roleCount(groupID, typ), nil
}

// --- Членства ---

type memMemberships struct{ s *memStore }

func (r *memMemberships) Upsert(_ context.Context, c model.MembershipChange) error {
	d := r.s.lock()
	defer r.s.unlock()
	role, ok := d.roles[c.RoleID]
	if !ok || role.GroupID != c.GroupID {
		return repository.ErrRoleMismatch
	}
	key := memKey{c.GroupID, c.UserUUID}
	m, exists := d.memberships[key]
	if !exists {
		m = model.Membership{GroupID: c.GroupID, UserUUID: c.UserUUID, AddedTS: r.s.now()}
		if c.AddedTS != nil {
			m.AddedTS = *c.AddedTS
		}
	}
	m.RoleID = c.RoleID
	m.Expiration = c.Expiration
	m.AddedBy = c.AddedBy
	d.memberships[key] = m
	return nil
}

func (r *memMemberships) Get(_ context.Context, groupID int, user uuid.UUID) (*model.Membership, error) {
	m, ok := r.s.membership(groupID, user)
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &m, nil
}

func (r *memMemberships) Delete(_ context.Context, groupID int, user uuid.UUID) (bool, error) {
	d := r.s.lock()
	defer r.s.unlock()
	key := memKey{groupID, user}
	_, ok := d.memberships[key]
	delete(d.memberships, key)
	return ok, nil
}

func (r *memMemberships) UpdateExpiration(_ context.Context, groupID int, user uuid.UUID, expiration *time.Time) error {
	d := r.s.lock()
	defer r.s.unlock()
	key := memKey{groupID, user}
	m, ok := d.memberships[key]
	if !ok {
		return repository.ErrNotFound
	}
	m.Expiration = expiration
	d.memberships[key] = m
	return nil
}

func (r *memMemberships) filter(keep func(m model.Membership) bool) []model.ExpiringMembership {
	d := r.s.lock()
	defer r.s.unlock()
	var out []model.ExpiringMembership
	for _, m := range d.memberships {
		if keep(m) {
			out = append(out, model.ExpiringMembership{Membership: m, GroupName: d.groups[m.GroupID].Name})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].GroupName != out[j].GroupName {
			return out[i].GroupName < out[j].GroupName
		}
		return out[i].UserUUID.String() < out[j].UserUUID.String()
	})
	return out
}

func (r *memMemberships) ExpiredBefore(_ context.Context, t time.Time) ([]model.ExpiringMembership, error) {
	return r.filter(func(m model.Membership) bool { return m.ExpiredAt(t) }), nil
}

func (r *memMemberships) ExpiringBetween(_ context.Context, from, to time.Time) ([]model.ExpiringMembership, error) {
	return r.filter(func(m model.Membership) bool {
		return m.Expiration != nil && !m.Expiration.Before(from) && !m.Expiration.After(to)
	}), nil
}

func (r *memMemberships) MembersNotCurrent(_ context.Context, groupID int, exclude uuid.UUID) ([]uuid.UUID, error) {
	var out []uuid.UUID
	for _, m := range r.filter(func(m model.Membership) bool { return m.GroupID == groupID && m.UserUUID != exclude }) {
		out = append(out, m.UserUUID)
	}
	return out, nil
}

func (r *memMemberships) ForUser(_ context.Context, user uuid.UUID) ([]model.ExpiringMembership, error) {
	return r.filter(func(m model.Membership) bool { return m.UserUUID == user }), nil
}

func (r *memMemberships) Users(_ context.Context) ([]uuid.UUID, error) {
	seen := map[uuid.UUID]bool{}
	var out []uuid.UUID
	for _, m := range r.filter(func(model.Membership) bool { return true }) {
		if !seen[m.UserUUID] {
			seen[m.UserUUID] = true
			out = append(out, m.UserUUID)
		}
	}
	return out, nil
}

func (r *memMemberships) CountWithRole(_ context.Context, groupID int, typ model.RoleType) (int, error) {
	d := r.s.lock()
	defer r.s.unlock()
	n := 0
	for _, m := range d.memberships {
		if m.GroupID == groupID && d.roles[m.RoleID].Type == typ {
			n++
		}
	}
	return n, nil
}

func (r *memMemberships) HostEmails(_ context.Context, groupID int) ([]string, error) {
	d := r.s.lock()
	defer r.s.unlock()
	var out []string
	for _, m := range d.memberships {
		if m.GroupID != groupID || d.roles[m.RoleID].Type == model.RoleMember {
			continue
		}
		if p, ok := d.profiles[m.UserUUID]; ok && p.Email != "" {
			out = append(out, p.Email)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (r *memMemberships) ScopedMembers(_ context.Context, groupID int, q repository.MemberQuery) ([]model.Member, error) {
	if _, err := repository.ScopeView(q.Scope); err != nil {
		return nil, err
	}
	d := r.s.lock()
	var out []model.Member
	for _, m := range d.memberships {
		if m.GroupID != groupID {
			continue
		}
		role := d.roles[m.RoleID]
		if len(q.Roles) > 0 && !slices.Contains(q.Roles, role.Type) {
			continue
		}
		p := d.profiles[m.UserUUID]
		member := model.Member{
			UserUUID: m.UserUUID, Username: p.Username, Picture: p.Picture, Trust: p.Trust,
			Role: role.Type, Expiration: m.Expiration, AddedBy: m.AddedBy, AddedTS: m.AddedTS,
		}
		if q.Scope.AtLeast(model.TrustAuthenticated) {
			member.FirstName, member.LastName = p.FirstName, p.LastName
		}
		if q.Scope.AtLeast(model.TrustNdaed) {
			member.Email = p.Email
		}
		if q.Prefix != "" && !matchesPrefix(q.Prefix, member.FirstName, member.LastName,
			member.FirstName+" "+member.LastName, member.Username, member.Email) {
			continue
		}
		if host, ok := d.profiles[m.AddedBy]; ok {
			member.Host = &model.MemberHost{UUID: host.UUID, Username: host.Username}
			if q.Scope.AtLeast(model.TrustAuthenticated) {
				member.Host.FirstName, member.Host.LastName = host.FirstName, host.LastName
			}
			if q.Scope.AtLeast(model.TrustNdaed) {
				member.Host.Email = host.Email
			}
		}
		out = append(out, member)
	}
	r.s.unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return page(out, q.Limit, q.Offset), nil
}

func matchesPrefix(prefix string, fields ...string) bool {
	prefix = strings.ToLower(prefix)
	for _, f := range fields {
		if strings.HasPrefix(strings.ToLower(f), prefix) {
			return true
		}
	}
	return false
}

func (r *memMemberships) SetAddedTS(_ context.Context, groupID int, user uuid.UUID, ts time.Time) error {
	d := r.s.lock()
	defer r.s.unlock()
	key := memKey{groupID, user}
	m, ok := d.memberships[key]
	if !ok {
		return repository.ErrNotFound
	}
	m.AddedTS = ts
	d.memberships[key] = m
	return nil
}

func (r *memMemberships) BelowTrust(_ context.Context, groupID int, trust model.TrustType) ([]uuid.UUID, error) {
	d := r.s.lock()
	defer r.s.unlock()
	var out []uuid.UUID
	for _, m := range d.memberships {
		if m.GroupID != groupID {
			continue
		}
		t := model.TrustAuthenticated
		if p, ok := d.profiles[m.UserUUID]; ok {
			t = p.Trust
		}
		if !t.AtLeast(trust) {
			out = append(out, m.UserUUID)
		}
	}
	return out, nil
}

// --- Аудит ---

type memLogs struct{ s *memStore }

func (r *memLogs) Append(_ context.Context, e *model.LogEntry) error {
	d := r.s.lock()
	defer r.s.unlock()
	if r.s.failAppend != nil {
		return r.s.failAppend
	}
	d.nextLog++
	e.ID = d.nextLog
	e.TS = r.s.now()
	d.logs = append(d.logs, *e)
	return nil
}

func (r *memLogs) List(_ context.Context, f repository.LogFilter, limit, offset int) ([]*model.LogEntry, error) {
	d := r.s.lock()
	defer r.s.unlock()
	var out []*model.LogEntry
	for i := len(d.logs) - 1; i >= 0; i-- {
		e := d.logs[i]
		if f.GroupID != nil && e.GroupID != *f.GroupID {
			continue
		}
		if f.UserUUID != nil && (e.UserUUID == nil || *e.UserUUID != *f.UserUUID) {
			continue
		}
		if f.HostUUID != nil && e.HostUUID != *f.HostUUID {
			continue
		}
		out = append(out, &e)
	}
	return page(out, limit, offset), nil
}

// --- Приглашения и заявки ---

type memInvitations struct{ s *memStore }

func (r *memInvitations) Upsert(_ context.Context, inv *model.Invitation) error {
	d := r.s.lock()
	defer r.s.unlock()
	d.invitations[memKey{inv.GroupID, inv.UserUUID}] = *inv
	return nil
}

func (r *memInvitations) deleteWhere(keep func(inv model.Invitation) bool) []model.Invitation {
	d := r.s.lock()
	defer r.s.unlock()
	var out []model.Invitation
	for k, inv := range d.invitations {
		if keep(inv) {
			delete(d.invitations, k)
			out = append(out, inv)
		}
	}
	return out
}

func (r *memInvitations) ExpireBefore(_ context.Context, t time.Time) ([]model.Invitation, error) {
	return r.deleteWhere(func(inv model.Invitation) bool {
		return inv.InvitationExpiration != nil && !inv.InvitationExpiration.After(t)
	}), nil
}

func (r *memInvitations) DeleteForUser(_ context.Context, user uuid.UUID) ([]model.Invitation, error) {
	return r.deleteWhere(func(inv model.Invitation) bool { return inv.UserUUID == user }), nil
}

func (r *memInvitations) ForUser(_ context.Context, user uuid.UUID) ([]model.Invitation, error) {
	d := r.s.lock()
	defer r.s.unlock()
	var out []model.Invitation
	for _, inv := range d.invitations {
		if inv.UserUUID == user {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out, nil
}

type memRequests struct{ s *memStore }

func (r *memRequests) Upsert(_ context.Context, req *model.Request) error {
	d := r.s.lock()
	defer r.s.unlock()
	d.requests[memKey{req.GroupID, req.UserUUID}] = *req
	return nil
}

func (r *memRequests) Get(_ context.Context, groupID int, user uuid.UUID) (*model.Request, error) {
	d := r.s.lock()
	defer r.s.unlock()
	req, ok := d.requests[memKey{groupID, user}]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &req, nil
}

func (r *memRequests) Delete(_ context.Context, groupID int, user uuid.UUID) error {
	d := r.s.lock()
	defer r.s.unlock()
	key := memKey{groupID, user}
	if _, ok := d.requests[key]; !ok {
		return repository.ErrNotFound
	}
	delete(d.requests, key)
	return nil
}

func (r *memRequests) Pending(_ context.Context, groupID int, limit, offset int) ([]model.PendingRequest, error) {
	d := r.s.lock()
	var out []model.PendingRequest
	for _, req := range d.requests {
		if req.GroupID == groupID {
			p := d.profiles[req.UserUUID]
			out = append(out, model.PendingRequest{Request: req, Username: p.Username, Email: p.Email})
		}
	}
	r.s.unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return page(out, limit, offset), nil
}

func (r *memRequests) deleteWhere(keep func(req model.Request) bool) []model.Request {
	d := r.s.lock()
	defer r.s.unlock()
	var out []model.Request
	for k, req := range d.requests {
		if keep(req) {
			delete(d.requests, k)
			out = append(out, req)
		}
	}
	return out
}

func (r *memRequests) ExpireBefore(_ context.Context, t time.Time) ([]model.Request, error) {
	return r.deleteWhere(func(req model.Request) bool {
		return req.RequestExpiration != nil && !req.RequestExpiration.After(t)
	}), nil
}

func (r *memRequests) DeleteForUser(_ context.Context, user uuid.UUID) ([]model.Request, error) {
	return r.deleteWhere(func(req model.Request) bool { return req.UserUUID == user }), nil
}

func (r *memRequests) ForUser(_ context.Context, user uuid.UUID) ([]model.Request, error) {
	d := r.s.lock()
	defer r.s.unlock()
	var out []model.Request
	for _, req := range d.requests {
		if req.UserUUID == user {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out, nil
}

// --- Профили ---

type memProfiles struct{ s *memStore }

func (r *memProfiles) Upsert(_ context.Context, p *model.UserProfile) error {
	d := r.s.lock()
	defer r.s.unlock()
	if p.Trust == "" {
		p.Trust = model.TrustAuthenticated
	}
	d.profiles[p.UUID] = *p
	return nil
}

func (r *memProfiles) Get(_ context.Context, id uuid.UUID) (*model.UserProfile, error) {
	d := r.s.lock()
	defer r.s.unlock()
	p, ok := d.profiles[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

func (r *memProfiles) GetByUsername(_ context.Context, username string) (*model.UserProfile, error) {
	d := r.s.lock()
	defer r.s.unlock()
	for _, p := range d.profiles {
		if p.Username == username {
			return &p, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *memProfiles) Delete(_ context.Context, id uuid.UUID) error {
	d := r.s.lock()
	defer r.s.unlock()
	if _, ok := d.profiles[id]; !ok {
		return repository.ErrNotFound
	}
	delete(d.profiles, id)
	return nil
}

func (r *memProfiles) DeleteInactive(_ context.Context) ([]uuid.UUID, error) {
	d := r.s.lock()
	defer r.s.unlock()
	active := make(map[uuid.UUID]bool)
	for _, m := range d.memberships {
		active[m.UserUUID], active[m.AddedBy] = true, true
	}
	for _, inv := range d.invitations {
		active[inv.UserUUID], active[inv.AddedBy] = true, true
	}
	for _, req := range d.requests {
		active[req.UserUUID] = true
	}
	var out []uuid.UUID
	for id := range d.profiles {
		if !active[id] {
			out = append(out, id)
			delete(d.profiles, id)
		}
	}
	sortUUIDs(out)
	return out, nil
}

func (r *memProfiles) UUIDsWithTrust(_ context.Context, trust model.TrustType) ([]uuid.UUID, error) {
	d := r.s.lock()
	defer r.s.unlock()
	var out []uuid.UUID
	for id, p := range d.profiles {
		if p.Trust == trust {
			out = append(out, id)
		}
	}
	sortUUIDs(out)
	return out, nil
}

func sortUUIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
}

// --- Состояние задач ---

type memJobs struct{ s *memStore }

func (r *memJobs) Get(_ context.Context, job string) (*model.JobState, error) {
	d := r.s.lock()
	defer r.s.unlock()
	st, ok := d.jobs[job]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &st, nil
}

func (r *memJobs) List(_ context.Context) ([]*model.JobState, error) {
	d := r.s.lock()
	defer r.s.unlock()
	var out []*model.JobState
	for _, st := range d.jobs {
		st := st
		out = append(out, &st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Job < out[j].Job })
	return out, nil
}

func (r *memJobs) Record(_ context.Context, job string, at time.Time, result model.BatchResult, runErr error) error {
	d := r.s.lock()
	defer r.s.unlock()
	st := model.JobState{Job: job, LastRunAt: &at, LastSucceeded: result.Succeeded, LastFailed: result.Failed, UpdatedAt: at}
	if runErr != nil {
		msg := runErr.Error()
		st.LastError = &msg
	}
	d.jobs[job] = st
	return nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// --- Mock сервиса идентификации ---

type fakeIDP struct {
	mu         sync.Mutex
	users      map[string]*keycloak.KeycloakUser
	groups     map[string]map[string]bool
	failAdd    map[uuid.UUID]error
	failRemove map[uuid.UUID]error
	getErr     error
	addCalls   int
	rmCalls    int
	// onGroups вызывается при чтении групп пользователя, до блокировки
	onGroups func(user uuid.UUID)
}

func newFakeIDP() *fakeIDP {
	return &fakeIDP{
		users:      map[string]*keycloak.KeycloakUser{},
		groups:     map[string]map[string]bool{},
		failAdd:    map[uuid.UUID]error{},
		failRemove: map[uuid.UUID]error{},
	}
}

func (f *fakeIDP) addUser(username, email string, trust model.TrustType) uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.New()
	f.users[id.String()] = &keycloak.KeycloakUser{
		ID:         id.String(),
		Username:   username,
		Email:      email,
		Enabled:    true,
		Attributes: map[string][]string{keycloak.AttrTrust: {string(trust)}},
	}
	return id
}

func (f *fakeIDP) GetUser(_ context.Context, id string) (*keycloak.KeycloakUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	u, ok := f.users[id]
	if !ok {
		return nil, keycloak.ErrNotFound
	}
	return u, nil
}

func (f *fakeIDP) FindUserByUsername(_ context.Context, username string) (*keycloak.KeycloakUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	for _, u := range f.users {
		if u.Username == username {
			return u, nil
		}
	}
	return nil, keycloak.ErrNotFound
}

func (f *fakeIDP) GetUserGroups(_ context.Context, userID string) ([]keycloak.KeycloakGroup, error) {
	if f.onGroups != nil {
		f.onGroups(uuid.MustParse(userID))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[userID]; !ok {
		return nil, keycloak.ErrNotFound
	}
	var out []keycloak.KeycloakGroup
	for name := range f.groups[userID] {
		out = append(out, keycloak.KeycloakGroup{ID: name, Name: name, Path: "/" + name})
	}
	return out, nil
}

func (f *fakeIDP) AddUserToGroup(_ context.Context, userID, groupName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addCalls++
	if err := f.failAdd[uuid.MustParse(userID)]; err != nil {
		return err
	}
	if f.groups[userID] == nil {
		f.groups[userID] = map[string]bool{}
	}
	f.groups[userID][groupName] = true
	return nil
}

func (f *fakeIDP) RemoveUserFromGroup(_ context.Context, userID, groupName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rmCalls++
	if err := f.failRemove[uuid.MustParse(userID)]; err != nil {
		return err
	}
	delete(f.groups[userID], groupName)
	return nil
}

func (f *fakeIDP) inGroup(user uuid.UUID, group string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.groups[user.String()][group]
}

func (f *fakeIDP) setGroup(user uuid.UUID, group string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.groups[user.String()] == nil {
		f.groups[user.String()] = map[string]bool{}
	}
	f.groups[user.String()][group] = true
}

// --- Mock отправки писем ---

type sentMail struct {
	to   []string
	bcc  bool
	kind string
}

type fakeMail struct {
	mu   sync.Mutex
	sent []sentMail
	nda  map[string]bool
}

func newFakeMail() *fakeMail {
	return &fakeMail{nda: map[string]bool{}}
}

func (f *fakeMail) SendEmail(_ context.Context, addr string, t notify.Template) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMail{to: []string{addr}, kind: t.Kind})
}

func (f *fakeMail) SendEmails(_ context.Context, addrs []string, t notify.Template) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMail{to: slices.Clone(addrs), bcc: true, kind: t.Kind})
}

func (f *fakeMail) SubscribeNDA(_ context.Context, email string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nda[email] = true
}

func (f *fakeMail) UnsubscribeNDA(_ context.Context, email string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.nda, email)
}

func (f *fakeMail) byKind(kind string) []sentMail {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentMail
	for _, m := range f.sent {
		if m.kind == kind {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeMail) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
}

// --- Тестовое окружение ---

type testEnv struct {
	store  *memStore
	idp    *fakeIDP
	mail   *fakeMail
	heal   *syncqueue.MemoryQueue
	engine *Engine
	now    time.Time
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestEnv() *testEnv {
	env := &testEnv{
		store: newMemStore(),
		idp:   newFakeIDP(),
		mail:  newFakeMail(),
		heal:  syncqueue.NewMemoryQueue(),
		now:   time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	env.store.now = func() time.Time { return env.now }
	env.engine = NewEngine(env.store, env.idp, env.mail, env.heal, 4, testLogger())
	env.engine.now = func() time.Time { return env.now }
	return env
}

// user регистрирует пользователя в IdP и кэширует его профиль.
func (env *testEnv) user(username string, trust model.TrustType) uuid.UUID {
	id := env.idp.addUser(username, username+"@example.com", trust)
	env.store.putProfile(model.UserProfile{
		UUID: id, Username: username, Email: username + "@example.com", Trust: trust,
	})
	return id
}

// group создаёт группу от имени admin и возвращает её.
func (env *testEnv) group(name string, admin uuid.UUID) *model.Group {
	g, err := env.engine.CreateGroup(context.Background(), scopeOf(admin), NewGroup{Name: name, Trust: model.TrustAuthenticated})
	if err != nil {
		panic(err)
	}
	return g
}

func scopeOf(actor uuid.UUID) rbac.Scope {
	return rbac.Scope{Actor: actor, Trust: model.TrustStaff}
}

func sudoScope(actor uuid.UUID) rbac.Scope {
	return rbac.Scope{Actor: actor, Trust: model.TrustStaff, Admin: true}
}

func ptrTime(t time.Time) *time.Time { return &t }

var errBoom = errors.New("keycloak: 503 Service Unavailable")
