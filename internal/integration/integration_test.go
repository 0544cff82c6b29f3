package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"live-quiz-service/internal/app"
	"live-quiz-service/internal/domain"
	natsbus "live-quiz-service/internal/infra/nats"
	"live-quiz-service/internal/infra/postgres"
	infraredis "live-quiz-service/internal/infra/redis"
	transport "live-quiz-service/internal/transport/http"

	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// node is one server process: its own Redis client, bus subscription, hub and orchestrators.
type node struct {
	service *app.SessionService
	hub     *transport.Hub
	events  chan domain.Event
}

func TestSessionAcrossTwoProcesses(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	requireDocker(t)

	pgURL, pgCleanup := startPostgres(t, ctx)
	defer pgCleanup()
	redisURL, redisCleanup := startRedis(t, ctx)
	defer redisCleanup()

	db := postgres.OpenBun(pgURL)
	if err := postgres.Migrate(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// Running migrations twice must be a no-op.
	if err := postgres.Migrate(ctx, db); err != nil {
		t.Fatalf("migrate again: %v", err)
	}
	if err := postgres.Seed(ctx, db, sampleQuestions(), sampleSessions()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	_ = db.Close()

	pool, err := pgxpool.Connect(ctx, pgURL)
	if err != nil {
		t.Fatalf("connect pg: %v", err)
	}
	defer pool.Close()
	loader := postgres.NewCatalog(pool)

	first := startNode(t, ctx, redisURL, loader)
	second := startNode(t, ctx, redisURL, loader)

	if _, err := first.service.Join(ctx, app.JoinRequest{AccessCode: "LIVE1", ConnectionID: "c1", UserID: "u1", Username: "Alice"}); err != nil {
		t.Fatalf("join on first node: %v", err)
	}
	reply, err := second.service.Join(ctx, app.JoinRequest{AccessCode: "LIVE1", ConnectionID: "c2", UserID: "u1"})
	if err != nil {
		t.Fatalf("rejoin on second node: %v", err)
	}
	if reply.Participant == nil || reply.Participant.Username != "Alice" || len(reply.State.Participants) != 1 {
		t.Fatalf("expected the same participant across processes, got %+v", reply)
	}

	if err := first.service.StartSession(ctx, "LIVE1", "mod"); err != nil {
		t.Fatalf("start: %v", err)
	}
	var opened domain.QuestionOpened
	decode(t, waitEvent(t, second.events, domain.EventQuestionOpened), &opened)
	if opened.Question.ID != "q1" || opened.Timer.Status != domain.TimerRun {
		t.Fatalf("unexpected question_opened on second node %+v", opened)
	}

	result, err := second.service.SubmitAnswer(ctx, app.SubmitRequest{AccessCode: "LIVE1", ConnectionID: "c2", UserID: "u1", QuestionID: "q1", Value: domain.AnswerValue{"o2"}})
	if err != nil || !result.Accepted {
		t.Fatalf("submit on second node: %+v err=%v", result, err)
	}

	// The second node stops the timer; the first node's orchestrator must react through the bus.
	if _, err := second.service.TimerAction(ctx, "LIVE1", "mod", domain.TimerActionStop, 0); err != nil {
		t.Fatalf("stop timer: %v", err)
	}
	waitEvent(t, second.events, domain.EventAnswersClosed)

	var board domain.LeaderboardUpdated
	decode(t, waitEvent(t, second.events, domain.EventLeaderboardUpdated), &board)
	if len(board.Entries) != 1 || board.Entries[0].UserID != "u1" || board.Entries[0].Score <= 0 {
		t.Fatalf("expected scored leaderboard, got %+v", board.Entries)
	}

	var ended domain.SessionEnded
	decode(t, waitEvent(t, second.events, domain.EventSessionEnded), &ended)
	if ended.AccessCode != "LIVE1" || len(ended.Entries) != 1 {
		t.Fatalf("unexpected session_ended %+v", ended)
	}
}

func TestNATSBusFanOut(t *testing.T) {
	ctx := context.Background()
	requireDocker(t)

	url, cleanup := startNATS(t, ctx)
	defer cleanup()

	cfg := natsbus.DefaultConfig()
	cfg.URL = url
	publisher, err := natsbus.Connect(cfg)
	if err != nil {
		t.Fatalf("connect publisher: %v", err)
	}
	defer publisher.Close()
	subscriber, err := natsbus.Connect(cfg)
	if err != nil {
		t.Fatalf("connect subscriber: %v", err)
	}
	defer subscriber.Close()

	events, stop, err := subscriber.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stop()

	sent := domain.Event{AccessCode: "LIVE1", Type: domain.EventTimerUpdated, Payload: json.RawMessage(`{"questionId":"q1"}`), EmittedAt: time.Now()}
	if err := publisher.Publish(ctx, sent); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case got := <-events:
		if got.AccessCode != sent.AccessCode || got.Type != sent.Type || string(got.Payload) != string(sent.Payload) {
			t.Fatalf("unexpected event %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for NATS event")
	}
}

func startNode(t *testing.T, ctx context.Context, redisURL string, loader app.Catalog) *node {
	t.Helper()
	client, err := redisClientFromURL(redisURL)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	clock := clockwork.NewRealClock()
	hub := transport.NewHub(infraredis.NewBus(client))
	service := app.NewSessionService(
		infraredis.NewSessionStore(client, 5*time.Minute),
		infraredis.NewCachedCatalog(client, loader, 5*time.Minute),
		nil,
		hub,
		clock,
		app.Options{Feedback: app.FeedbackPolicy{Default: 200 * time.Millisecond}},
	)
	n := &node{service: service, hub: hub, events: make(chan domain.Event, 64)}
	hub.OnEvent(func(event domain.Event) {
		if event.Type == domain.EventTimerUpdated || event.Type == domain.EventSessionEnded {
			service.Notify(event.AccessCode)
		}
		select {
		case n.events <- event:
		default:
		}
	})
	if err := hub.Start(ctx); err != nil {
		t.Fatalf("start hub: %v", err)
	}
	t.Cleanup(func() {
		service.Shutdown()
		hub.Close()
	})
	return n
}

func waitEvent(t *testing.T, events <-chan domain.Event, eventType string) domain.Event {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case event := <-events:
			if event.Type == eventType {
				return event
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", eventType)
		}
	}
}

func decode(t *testing.T, event domain.Event, dst any) {
	t.Helper()
	if err := json.Unmarshal(event.Payload, dst); err != nil {
		t.Fatalf("decode %s: %v", event.Type, err)
	}
}

func startPostgres(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "postgres:15-alpine",
		Env:          map[string]string{"POSTGRES_USER": "quiz", "POSTGRES_PASSWORD": "quizpass", "POSTGRES_DB": "quizdb"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	}
	container := startContainer(t, ctx, req)
	host, port := endpoint(t, ctx, container, "5432/tcp")
	dsn := fmt.Sprintf("postgres://quiz:quizpass@%s:%s/quizdb?sslmode=disable", host, port)
	return dsn, func() {
		_ = container.Terminate(context.Background())
	}
}

func startRedis(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
	}
	container := startContainer(t, ctx, req)
	host, port := endpoint(t, ctx, container, "6379/tcp")
	return fmt.Sprintf("redis://%s:%s", host, port), func() {
		_ = container.Terminate(context.Background())
	}
}

func startNATS(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "nats:2.10-alpine",
		ExposedPorts: []string{"4222/tcp"},
		WaitingFor:   wait.ForListeningPort("4222/tcp").WithStartupTimeout(30 * time.Second),
	}
	container := startContainer(t, ctx, req)
	host, port := endpoint(t, ctx, container, "4222/tcp")
	return fmt.Sprintf("nats://%s:%s", host, port), func() {
		_ = container.Terminate(context.Background())
	}
}

func startContainer(t *testing.T, ctx context.Context, req tc.ContainerRequest) tc.Container {
	t.Helper()
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start %s: %v", req.Image, err)
	}
	return container
}

func endpoint(t *testing.T, ctx context.Context, container tc.Container, port string) (string, string) {
	t.Helper()
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	mapped, err := container.MappedPort(ctx, nat.Port(port))
	if err != nil {
		t.Fatalf("port %s: %v", port, err)
	}
	return host, mapped.Port()
}

func sampleQuestions() []domain.Question {
	return []domain.Question{
		{
			ID:         "q1",
			Type:       domain.QuestionSingleChoice,
			Prompt:     "What is 2 + 2?",
			DurationMs: 30000,
			Options: []domain.Option{
				{ID: "o1", Text: "3"},
				{ID: "o2", Text: "4", Correct: true},
				{ID: "o3", Text: "5"},
			},
		},
	}
}

func sampleSessions() []domain.SessionMeta {
	return []domain.SessionMeta{
		{AccessCode: "LIVE1", QuestionIDs: []string{"q1"}, ModeratorIDs: []string{"mod"}, Mode: "classic"},
	}
}

func redisClientFromURL(url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}), nil
}

func requireDocker(t *testing.T) {
	t.Helper()
	if _, err := tc.NewDockerProvider(); err != nil {
		t.Skipf("docker not available: %v", err)
	}
}
