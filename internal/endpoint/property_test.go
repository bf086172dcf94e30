package endpoint

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/roach88/conclave/internal/policy"
)

const maxPropertySlots = 5

// slotFixtures returns one fixture per slot count, each with a program
// owner, one data owner per slot, and a result reader.
func slotFixtures(t *testing.T) map[int]*fixture {
	t.Helper()
	fixtures := make(map[int]*fixture, maxPropertySlots)
	for n := 1; n <= maxPropertySlots; n++ {
		members := []member{
			{identity: "program", roles: []policy.Role{policy.RoleProgram}},
			{identity: "reader", roles: []policy.Role{policy.RoleResult}},
		}
		for slot := 0; slot < n; slot++ {
			members = append(members, member{
				identity: fmt.Sprintf("data-%d", slot),
				roles:    []policy.Role{policy.RoleData},
				slots:    []int{slot},
			})
		}
		fixtures[n] = newFixture(t, members...)
	}
	return fixtures
}

// TestResultPendingUntilComplete checks that the result stays pending
// until every slot is filled, and that once available it is stable and
// produced by exactly one execution.
func TestResultPendingUntilComplete(t *testing.T) {
	fixtures := slotFixtures(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("result is pending until all slots are filled", prop.ForAll(
		func(n int, seed int64) bool {
			exec := &countingExecutor{}
			s, err := NewState(fixtures[n].doc, exec)
			if err != nil {
				return false
			}
			ctx := context.Background()

			if _, err := s.FetchResult(ctx, "reader"); err != ErrPending {
				return false
			}
			if err := s.SubmitProgram("program", []byte("p")); err != nil {
				return false
			}

			order := rand.New(rand.NewSource(seed)).Perm(n)
			for _, slot := range order {
				if _, err := s.FetchResult(ctx, "reader"); err != ErrPending {
					return false
				}
				if err := s.SubmitData(fmt.Sprintf("data-%d", slot), slot, []byte{byte('a' + slot)}); err != nil {
					return false
				}
			}

			first, err := s.FetchResult(ctx, "reader")
			if err != nil {
				return false
			}
			second, err := s.FetchResult(ctx, "reader")
			if err != nil {
				return false
			}
			return string(first) == string(second) && exec.calls.Load() == 1
		},
		gen.IntRange(1, maxPropertySlots),
		gen.Int64(),
	))

	properties.TestingRun(t)
}

// TestResultIndependentOfSubmissionOrder checks that the inputs reach
// the program in slot order whatever order the owners submitted them.
func TestResultIndependentOfSubmissionOrder(t *testing.T) {
	fixtures := slotFixtures(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	run := func(n int, order []int) (string, error) {
		s, err := NewState(fixtures[n].doc, &countingExecutor{})
		if err != nil {
			return "", err
		}
		if err := s.SubmitProgram("program", []byte("p")); err != nil {
			return "", err
		}
		for _, slot := range order {
			if err := s.SubmitData(fmt.Sprintf("data-%d", slot), slot, []byte{byte('a' + slot)}); err != nil {
				return "", err
			}
		}
		result, err := s.FetchResult(context.Background(), "reader")
		return string(result), err
	}

	properties.Property("submission order does not change the result", prop.ForAll(
		func(n int, seedA, seedB int64) bool {
			a, errA := run(n, rand.New(rand.NewSource(seedA)).Perm(n))
			b, errB := run(n, rand.New(rand.NewSource(seedB)).Perm(n))
			return errA == nil && errB == nil && a == b
		},
		gen.IntRange(1, maxPropertySlots),
		gen.Int64(),
		gen.Int64(),
	))

	properties.TestingRun(t)
}
