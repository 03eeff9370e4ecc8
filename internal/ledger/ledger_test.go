package ledger

import (
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCreateUser(t *testing.T) {
	l := New()
	u, err := l.CreateUser("u1", "alice", d(10000))
	require.NoError(t, err)

	assert.True(t, u.Balance.Total.Equal(d(10000)))
	assert.True(t, u.Balance.Available.Equal(d(10000)))
	assert.True(t, u.Balance.MarginReserved.IsZero())

	_, err = l.CreateUser("u1", "again", d(1))
	assert.ErrorIs(t, err, ErrUserExists)
}

func TestCreateUser_RejectsBadInput(t *testing.T) {
	l := New()

	_, err := l.CreateUser("", "nobody", d(100))
	assert.ErrorIs(t, err, ErrInvalidUserID)
	assert.NotErrorIs(t, err, ErrInvalidAmount)

	_, err = l.CreateUser("u1", "alice", d(-1))
	assert.ErrorIs(t, err, ErrInvalidAmount)
	assert.Empty(t, l.Users())
}

func TestReserve_Insufficient(t *testing.T) {
	l := New()
	_, err := l.CreateUser("u1", "alice", d(500))
	require.NoError(t, err)

	_, err = l.Reserve("u1", d(501))
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	u, _ := l.Get("u1")
	assert.True(t, u.Balance.Available.Equal(d(500)), "failed reserve must not mutate")
}

func TestReserve_UnknownUser(t *testing.T) {
	_, err := New().Reserve("ghost", d(1))
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestReserveRelease_RoundTrip(t *testing.T) {
	l := New()
	l.CreateUser("u1", "alice", d(10000))

	u, err := l.Reserve("u1", d(1000))
	require.NoError(t, err)
	assert.True(t, u.Balance.Available.Equal(d(9000)))
	assert.True(t, u.Balance.MarginReserved.Equal(d(1000)))

	u, credit, err := l.Release("u1", d(1000), decimal.Zero)
	require.NoError(t, err)
	assert.True(t, credit.Equal(d(1000)))
	assert.True(t, u.Balance.Available.Equal(d(10000)))
	assert.True(t, u.Balance.MarginReserved.IsZero())
	assert.True(t, u.Balance.Total.Equal(d(10000)))
}

func TestRelease_ProfitAndLoss(t *testing.T) {
	l := New()
	l.CreateUser("u1", "alice", d(10000))
	l.Reserve("u1", d(1000))

	u, _, err := l.Release("u1", d(1000), d(250))
	require.NoError(t, err)
	assert.True(t, u.Balance.Available.Equal(d(10250)))
	assert.True(t, u.Balance.Total.Equal(d(10250)))

	l.Reserve("u1", d(1000))
	u, credit, err := l.Release("u1", d(1000), d(-400))
	require.NoError(t, err)
	assert.True(t, credit.Equal(d(600)))
	assert.True(t, u.Balance.Available.Equal(d(9850)))
	assert.True(t, u.Balance.Total.Equal(d(9850)))
}

func TestRelease_LossClampedAtMargin(t *testing.T) {
	l := New()
	l.CreateUser("u1", "alice", d(1000))
	l.Reserve("u1", d(1000))

	u, credit, err := l.Release("u1", d(1000), d(-2500))
	require.NoError(t, err)
	assert.True(t, credit.IsZero())
	assert.True(t, u.Balance.Available.IsZero(), "available never goes negative")
	assert.True(t, u.Balance.MarginReserved.IsZero())
	assert.True(t, u.Balance.Total.IsZero())
}

func TestConcurrentReserveRelease(t *testing.T) {
	l := New()
	l.CreateUser("u1", "alice", d(100000))

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Reserve("u1", d(100)); err == nil {
				l.Release("u1", d(100), decimal.Zero)
			}
		}()
	}
	wg.Wait()

	u, _ := l.Get("u1")
	assert.True(t, u.Balance.Available.Equal(d(100000)))
	assert.True(t, u.Balance.MarginReserved.IsZero())
}

func TestUsers_Sorted(t *testing.T) {
	l := New()
	l.CreateUser("b", "bob", d(1))
	l.CreateUser("a", "alice", d(1))

	users := l.Users()
	require.Len(t, users, 2)
	assert.Equal(t, "a", users[0].ID)
}
