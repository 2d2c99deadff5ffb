//go:build integration

package lock_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"sire/internal/sire/lock"
	"sire/pkg/testutil/containers"
)

type RedisLockerSuite struct {
	suite.Suite
	redis  *containers.RedisContainer
	locker *lock.RedisLocker
}

func TestRedisLockerSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisLockerSuite))
}

func (s *RedisLockerSuite) SetupSuite() {
	s.redis = containers.GetManager().GetRedis(s.T())
	s.locker = lock.NewRedis(s.redis.Client)
}

func (s *RedisLockerSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisLockerSuite) TestExclusive() {
	ctx := context.Background()
	release, ok, err := s.locker.Acquire(ctx, "ticket:TKT-1", time.Minute)
	s.Require().NoError(err)
	s.Require().True(ok)

	_, ok, err = s.locker.Acquire(ctx, "ticket:TKT-1", time.Minute)
	s.Require().NoError(err)
	s.False(ok)

	other, ok, err := s.locker.Acquire(ctx, "ticket:TKT-2", time.Minute)
	s.Require().NoError(err)
	s.True(ok)
	other()

	release()
	again, ok, err := s.locker.Acquire(ctx, "ticket:TKT-1", time.Minute)
	s.Require().NoError(err)
	s.True(ok)
	again()
}

func (s *RedisLockerSuite) TestExpiredLockIsNotReleasedByFormerOwner() {
	ctx := context.Background()
	release, ok, err := s.locker.Acquire(ctx, "ticket:TKT-1", 50*time.Millisecond)
	s.Require().NoError(err)
	s.Require().True(ok)

	s.Eventually(func() bool {
		n, err := s.redis.Client.Exists(ctx, "sire:lock:ticket:TKT-1").Result()
		return err == nil && n == 0
	}, 2*time.Second, 20*time.Millisecond)

	_, ok, err = s.locker.Acquire(ctx, "ticket:TKT-1", time.Minute)
	s.Require().NoError(err)
	s.Require().True(ok)

	release()
	n, err := s.redis.Client.Exists(ctx, "sire:lock:ticket:TKT-1").Result()
	s.Require().NoError(err)
	s.Equal(int64(1), n)
}
