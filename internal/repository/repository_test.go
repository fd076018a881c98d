package repository

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bigkaa/goartstore/groups-module/internal/config"
	"github.com/bigkaa/goartstore/groups-module/internal/database"
	"github.com/bigkaa/goartstore/groups-module/internal/domain/model"
)

// setupTestDB запускает PostgreSQL контейнер, применяет миграции.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("groups_test"),
		postgres.WithUsername("groups"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Не удалось запустить PostgreSQL контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Не удалось получить host контейнера: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Не удалось получить port контейнера: %v", err)
	}

	t.Setenv("GM_DB_HOST", host)
	t.Setenv("GM_DB_PORT", port.Port())
	t.Setenv("GM_DB_NAME", "groups_test")
	t.Setenv("GM_DB_USER", "groups")
	t.Setenv("GM_DB_PASSWORD", "test-password")
	t.Setenv("GM_KEYCLOAK_URL", "http://localhost:8080")
	t.Setenv("GM_KEYCLOAK_CLIENT_ID", "test")
	t.Setenv("GM_KEYCLOAK_CLIENT_SECRET", "test")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	if err := database.Migrate(cfg, logger); err != nil {
		t.Fatalf("Ошибка миграций: %v", err)
	}

	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Ошибка подключения: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	return pool
}

// createGroup создаёт группу с ролями member и admin.
func createGroup(t *testing.T, repos *Repositories, name string) (*model.Group, *model.Role, *model.Role) {
	t.Helper()
	ctx := context.Background()

	g := &model.Group{Name: name, Type: model.GroupClosed, Trust: model.TrustNdaed, Active: true}
	if err := repos.Groups.Create(ctx, g); err != nil {
		t.Fatalf("Groups.Create() ошибка: %v", err)
	}
	member := &model.Role{GroupID: g.ID, Type: model.RoleMember, Name: "member"}
	if err := repos.Roles.Create(ctx, member); err != nil {
		t.Fatalf("Roles.Create(member) ошибка: %v", err)
	}
	admin := &model.Role{GroupID: g.ID, Type: model.RoleAdmin, Name: "admin"}
	if err := repos.Roles.Create(ctx, admin); err != nil {
		t.Fatalf("Roles.Create(admin) ошибка: %v", err)
	}
	return g, member, admin
}

func TestGroupCreateAndConflict(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repos := NewRepositories(pool)

	g, _, _ := createGroup(t, repos, "ships")
	if g.ID == 0 || g.Created.IsZero() {
		t.Fatalf("Create() не заполнил id/created: %+v", g)
	}

	dup := &model.Group{Name: "ships", Type: model.GroupClosed, Trust: model.TrustNdaed}
	if err := repos.Groups.Create(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Errorf("повторный Create() = %v, хотели ErrConflict", err)
	}

	got, err := repos.Groups.GetByName(ctx, "ships")
	if err != nil {
		t.Fatalf("GetByName() ошибка: %v", err)
	}
	if got.Trust != model.TrustNdaed || !got.Active {
		t.Errorf("GetByName() = %+v", got)
	}

	if _, err := repos.Groups.GetByName(ctx, "boats"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByName(boats) = %v, хотели ErrNotFound", err)
	}
}

func TestRoleSingletonInvariant(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repos := NewRepositories(pool)

	g, _, _ := createGroup(t, repos, "singleton")

	second := &model.Role{GroupID: g.ID, Type: model.RoleAdmin, Name: "admin2"}
	if err := repos.Roles.Create(ctx, second); !errors.Is(err, ErrConflict) {
		t.Errorf("второй admin = %v, хотели ErrConflict", err)
	}

	curator := &model.Role{GroupID: g.ID, Type: model.RoleCurator, Name: "curator"}
	if err := repos.Roles.Create(ctx, curator); err != nil {
		t.Errorf("curator не создан: %v", err)
	}
}

func TestMembershipUpsertIdempotent(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repos := NewRepositories(pool)

	g, member, admin := createGroup(t, repos, "idempotent")
	user := uuid.New()
	host1, host2 := uuid.New(), uuid.New()
	exp := time.Now().Add(48 * time.Hour).UTC().Truncate(time.Microsecond)

	if err := repos.Memberships.Upsert(ctx, model.MembershipChange{
		GroupID: g.ID, UserUUID: user, RoleID: member.ID, AddedBy: host1,
	}); err != nil {
		t.Fatalf("Upsert() #1 ошибка: %v", err)
	}
	first, err := repos.Memberships.Get(ctx, g.ID, user)
	if err != nil {
		t.Fatalf("Get() ошибка: %v", err)
	}

	if err := repos.Memberships.Upsert(ctx, model.MembershipChange{
		GroupID: g.ID, UserUUID: user, RoleID: admin.ID, Expiration: &exp, AddedBy: host2,
	}); err != nil {
		t.Fatalf("Upsert() #2 ошибка: %v", err)
	}
	second, err := repos.Memberships.Get(ctx, g.ID, user)
	if err != nil {
		t.Fatalf("Get() ошибка: %v", err)
	}

	if second.RoleID != admin.ID || second.AddedBy != host2 {
		t.Errorf("второй upsert не победил: %+v", second)
	}
	if second.Expiration == nil || !second.Expiration.Equal(exp) {
		t.Errorf("Expiration = %v, хотели %v", second.Expiration, exp)
	}
	if !second.AddedTS.Equal(first.AddedTS) {
		t.Errorf("added_ts изменился: %v → %v", first.AddedTS, second.AddedTS)
	}

	users, err := repos.Memberships.Users(ctx)
	if err != nil {
		t.Fatalf("Users() ошибка: %v", err)
	}
	if len(users) != 1 {
		t.Errorf("Users() = %d, хотели 1 строку на пару", len(users))
	}
}

func TestMembershipRoleMismatch(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repos := NewRepositories(pool)

	g1, _, _ := createGroup(t, repos, "one")
	_, member2, _ := createGroup(t, repos, "two")

	err := repos.Memberships.Upsert(ctx, model.MembershipChange{
		GroupID: g1.ID, UserUUID: uuid.New(), RoleID: member2.ID, AddedBy: model.SystemActor,
	})
	if !errors.Is(err, ErrRoleMismatch) {
		t.Errorf("Upsert() с ролью чужой группы = %v, хотели ErrRoleMismatch", err)
	}
}

func TestMembershipExpiredBefore(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repos := NewRepositories(pool)

	g, member, _ := createGroup(t, repos, "sweep")
	now := time.Now().UTC()
	t1 := now.Add(-time.Hour)
	t2 := now.Add(time.Hour)
	expired, alive := uuid.New(), uuid.New()

	for _, c := range []model.MembershipChange{
		{GroupID: g.ID, UserUUID: expired, RoleID: member.ID, Expiration: &t1, AddedBy: model.SystemActor},
		{GroupID: g.ID, UserUUID: alive, RoleID: member.ID, Expiration: &t2, AddedBy: model.SystemActor},
	} {
		if err := repos.Memberships.Upsert(ctx, c); err != nil {
			t.Fatalf("Upsert() ошибка: %v", err)
		}
	}

	got, err := repos.Memberships.ExpiredBefore(ctx, now)
	if err != nil {
		t.Fatalf("ExpiredBefore() ошибка: %v", err)
	}
	if len(got) != 1 || got[0].UserUUID != expired || got[0].GroupName != "sweep" {
		t.Errorf("ExpiredBefore() = %+v, хотели только %v", got, expired)
	}

	others, err := repos.Memberships.MembersNotCurrent(ctx, g.ID, expired)
	if err != nil {
		t.Fatalf("MembersNotCurrent() ошибка: %v", err)
	}
	if len(others) != 1 || others[0] != alive {
		t.Errorf("MembersNotCurrent() = %v, хотели [%v]", others, alive)
	}
}

func TestScopedMembers(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repos := NewRepositories(pool)

	g, member, admin := createGroup(t, repos, "scoped")
	alice := &model.UserProfile{UUID: uuid.New(), Username: "alice", Email: "alice@example.com", FirstName: "Alice"}
	bob := &model.UserProfile{UUID: uuid.New(), Username: "bob", Email: "bob@example.com", FirstName: "Bob"}
	for _, p := range []*model.UserProfile{alice, bob} {
		if err := repos.Profiles.Upsert(ctx, p); err != nil {
			t.Fatalf("Profiles.Upsert() ошибка: %v", err)
		}
	}
	_ = repos.Memberships.Upsert(ctx, model.MembershipChange{GroupID: g.ID, UserUUID: alice.UUID, RoleID: admin.ID, AddedBy: model.SystemActor})
	_ = repos.Memberships.Upsert(ctx, model.MembershipChange{GroupID: g.ID, UserUUID: bob.UUID, RoleID: member.ID, AddedBy: model.SystemActor})

	staff, err := repos.Memberships.ScopedMembers(ctx, g.ID, MemberQuery{Scope: model.TrustStaff, Limit: 10})
	if err != nil {
		t.Fatalf("ScopedMembers(staff) ошибка: %v", err)
	}
	if len(staff) != 2 || staff[0].Username != "alice" || staff[0].Email == "" {
		t.Errorf("ScopedMembers(staff) = %+v", staff)
	}

	public, err := repos.Memberships.ScopedMembers(ctx, g.ID, MemberQuery{Scope: model.TrustPublic, Prefix: "bo", Limit: 10})
	if err != nil {
		t.Fatalf("ScopedMembers(public) ошибка: %v", err)
	}
	if len(public) != 1 || public[0].Username != "bob" || public[0].Email != "" {
		t.Errorf("ScopedMembers(public) = %+v, email должен быть скрыт", public)
	}

	emails, err := repos.Memberships.HostEmails(ctx, g.ID)
	if err != nil {
		t.Fatalf("HostEmails() ошибка: %v", err)
	}
	if len(emails) != 1 || emails[0] != "alice@example.com" {
		t.Errorf("HostEmails() = %v", emails)
	}
}

func TestScopedMembersHost(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repos := NewRepositories(pool)

	g, member, admin := createGroup(t, repos, "hosted")
	host := &model.UserProfile{UUID: uuid.New(), Username: "grace", Email: "grace@example.com", FirstName: "Grace", LastName: "Hopper", Trust: model.TrustStaff}
	ann := &model.UserProfile{UUID: uuid.New(), Username: "ann", Email: "ann@example.com", FirstName: "Ann", LastName: "Smith"}
	for _, p := range []*model.UserProfile{host, ann} {
		if err := repos.Profiles.Upsert(ctx, p); err != nil {
			t.Fatalf("Profiles.Upsert() ошибка: %v", err)
		}
	}
	_ = repos.Memberships.Upsert(ctx, model.MembershipChange{GroupID: g.ID, UserUUID: host.UUID, RoleID: admin.ID, AddedBy: model.SystemActor})
	_ = repos.Memberships.Upsert(ctx, model.MembershipChange{GroupID: g.ID, UserUUID: ann.UUID, RoleID: member.ID, AddedBy: host.UUID})

	found, err := repos.Memberships.ScopedMembers(ctx, g.ID, MemberQuery{Scope: model.TrustAuthenticated, Prefix: "ann sm", Limit: 10})
	if err != nil {
		t.Fatalf("ScopedMembers() ошибка: %v", err)
	}
	if len(found) != 1 || found[0].UserUUID != ann.UUID {
		t.Fatalf("поиск по полному имени = %+v", found)
	}
	h := found[0].Host
	if h == nil || h.UUID != host.UUID || h.FirstName != "Grace" || h.Email != "" {
		t.Errorf("хост = %+v, email должен быть скрыт", h)
	}

	staff, err := repos.Memberships.ScopedMembers(ctx, g.ID, MemberQuery{Scope: model.TrustStaff, Roles: []model.RoleType{model.RoleAdmin}, Limit: 10})
	if err != nil || len(staff) != 1 {
		t.Fatalf("ScopedMembers(admin) = %+v, %v", staff, err)
	}
	if staff[0].Host != nil {
		t.Errorf("хост системного членства = %+v", staff[0].Host)
	}
}

func TestProfilesDeleteInactive(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repos := NewRepositories(pool)

	g, member, _ := createGroup(t, repos, "inactive")
	profiles := map[string]*model.UserProfile{}
	for _, name := range []string{"member", "host", "invited", "inviter", "applicant", "idle"} {
		p := &model.UserProfile{UUID: uuid.New(), Username: name, Trust: model.TrustAuthenticated}
		if name == "host" {
			p.Trust = model.TrustStaff
		}
		if err := repos.Profiles.Upsert(ctx, p); err != nil {
			t.Fatalf("Profiles.Upsert() ошибка: %v", err)
		}
		profiles[name] = p
	}
	_ = repos.Memberships.Upsert(ctx, model.MembershipChange{GroupID: g.ID, UserUUID: profiles["member"].UUID, RoleID: member.ID, AddedBy: profiles["host"].UUID})
	_ = repos.Invitations.Upsert(ctx, &model.Invitation{GroupID: g.ID, UserUUID: profiles["invited"].UUID, AddedBy: profiles["inviter"].UUID})
	_ = repos.Requests.Upsert(ctx, &model.Request{GroupID: g.ID, UserUUID: profiles["applicant"].UUID})

	invs, err := repos.Invitations.ForUser(ctx, profiles["invited"].UUID)
	if err != nil || len(invs) != 1 || invs[0].AddedBy != profiles["inviter"].UUID {
		t.Errorf("Invitations.ForUser() = %+v, %v", invs, err)
	}
	reqs, err := repos.Requests.ForUser(ctx, profiles["applicant"].UUID)
	if err != nil || len(reqs) != 1 {
		t.Errorf("Requests.ForUser() = %+v, %v", reqs, err)
	}

	staff, err := repos.Profiles.UUIDsWithTrust(ctx, model.TrustStaff)
	if err != nil || len(staff) != 1 || staff[0] != profiles["host"].UUID {
		t.Errorf("UUIDsWithTrust(staff) = %v, %v", staff, err)
	}

	deleted, err := repos.Profiles.DeleteInactive(ctx)
	if err != nil {
		t.Fatalf("DeleteInactive() ошибка: %v", err)
	}
	if len(deleted) != 1 || deleted[0] != profiles["idle"].UUID {
		t.Errorf("DeleteInactive() = %v, хотели только idle", deleted)
	}
	if _, err := repos.Profiles.Get(ctx, profiles["inviter"].UUID); err != nil {
		t.Errorf("профиль хоста приглашения удалён: %v", err)
	}
}

func TestAuditLogInTxRollback(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	runner := NewTxRunner(pool)

	g, _, _ := createGroup(t, runner.Repos(), "audit")
	user := uuid.New()
	boom := errors.New("boom")

	err := runner.InTx(ctx, func(repos *Repositories) error {
		if err := repos.Logs.Append(ctx, &model.LogEntry{
			Target: model.TargetMembership, Operation: model.OpCreated,
			GroupID: g.ID, HostUUID: model.SystemActor, UserUUID: &user,
			Body: model.Comment(model.CommentAdded),
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx() = %v, хотели boom", err)
	}

	entries, err := runner.Repos().Logs.List(ctx, LogFilter{GroupID: &g.ID}, 10, 0)
	if err != nil {
		t.Fatalf("Logs.List() ошибка: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("после отката осталось %d записей аудита", len(entries))
	}
}

func TestInvitationsAndRequestsExpire(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repos := NewRepositories(pool)

	g, _, _ := createGroup(t, repos, "pending")
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	_ = repos.Invitations.Upsert(ctx, &model.Invitation{GroupID: g.ID, UserUUID: uuid.New(), InvitationExpiration: &past, AddedBy: model.SystemActor})
	_ = repos.Invitations.Upsert(ctx, &model.Invitation{GroupID: g.ID, UserUUID: uuid.New(), InvitationExpiration: &future, AddedBy: model.SystemActor})
	_ = repos.Requests.Upsert(ctx, &model.Request{GroupID: g.ID, UserUUID: uuid.New(), RequestExpiration: &past})

	invs, err := repos.Invitations.ExpireBefore(ctx, time.Now())
	if err != nil || len(invs) != 1 {
		t.Errorf("Invitations.ExpireBefore() = %d, %v; хотели 1", len(invs), err)
	}
	reqs, err := repos.Requests.ExpireBefore(ctx, time.Now())
	if err != nil || len(reqs) != 1 {
		t.Errorf("Requests.ExpireBefore() = %d, %v; хотели 1", len(reqs), err)
	}
}

func TestJobState(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewJobStateRepository(pool)

	at := time.Now().UTC().Truncate(time.Second)
	if err := repo.Record(ctx, "expire-memberships", at, model.BatchResult{Succeeded: 3, Failed: 1}, nil); err != nil {
		t.Fatalf("Record() ошибка: %v", err)
	}

	s, err := repo.Get(ctx, "expire-memberships")
	if err != nil {
		t.Fatalf("Get() ошибка: %v", err)
	}
	if s.LastRunAt == nil || !s.LastRunAt.Equal(at) || s.LastSucceeded != 3 || s.LastFailed != 1 {
		t.Errorf("JobState = %+v", s)
	}
	if s.LastError != nil {
		t.Errorf("LastError = %q, хотели nil", *s.LastError)
	}
}
