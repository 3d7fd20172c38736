//go:build integration

package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"changehub/internal/audit"
	"changehub/internal/audit/store"
	"changehub/pkg/testutil/containers"
)

type PostgresAuditStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *store.PostgresStore
}

func TestPostgresAuditStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresAuditStoreSuite))
}

func (s *PostgresAuditStoreSuite) SetupSuite() {
	s.postgres = containers.GetManager().GetPostgres(s.T())
	s.store = store.NewPostgres(s.postgres.DB)
}

func (s *PostgresAuditStoreSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), "operator_audit"))
}

func (s *PostgresAuditStoreSuite) TestAppendAndListRecent() {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, subject := range []string{"identity", "status", "access"} {
		s.Require().NoError(s.store.Append(ctx, audit.Event{
			Action:    audit.ActionRouteUpserted,
			Subject:   subject,
			RequestID: "req",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	events, err := s.store.ListRecent(ctx, 2)
	s.Require().NoError(err)
	s.Require().Len(events, 2)
	s.Equal("access", events[0].Subject)
	s.Equal(audit.ActionRouteUpserted, events[0].Action)
	s.True(events[0].Timestamp.Equal(base.Add(2 * time.Minute)))
	s.Equal("status", events[1].Subject)
}
