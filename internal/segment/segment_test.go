package segment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commdispatch/internal/comm"
)

func members() []comm.Member {
	joined := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	return []comm.Member{
		{GroupID: 1, Person: &comm.Person{ID: 1, FirstName: "Ann", Email: "ann@a.example"}, JoinedAt: &joined},
		{GroupID: 1, Person: &comm.Person{ID: 2, FirstName: "Bob", Email: "bob@b.example"}},
		{GroupID: 1, Person: &comm.Person{ID: 3, FirstName: "Ann", Email: "ann@b.example", Attributes: map[string]any{"vip": true}}},
	}
}

func ids(ms []comm.Member) []int64 {
	out := make([]int64, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.Person.ID)
	}
	return out
}

func TestFilterCriteria(t *testing.T) {
	ev, err := NewEvaluator()
	require.NoError(t, err)

	segs := []comm.Segment{
		{ID: 10, Name: "anns", Expression: `person.first_name == "Ann"`},
		{ID: 11, Name: "b domain", Expression: `person.email.endsWith("@b.example")`},
	}

	all, err := ev.Filter(members(), segs, comm.SegmentsAll)
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, ids(all))

	anyOf, err := ev.Filter(members(), segs, comm.SegmentsAny)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, ids(anyOf))

	none, err := ev.Filter(members(), nil, comm.SegmentsAll)
	require.NoError(t, err)
	assert.Len(t, none, 3)
}

func TestFilterMemberAndAttributes(t *testing.T) {
	ev, err := NewEvaluator()
	require.NoError(t, err)

	known, err := ev.Filter(members(), []comm.Segment{{ID: 1, Expression: `member.joined_at_ms > 0`}}, comm.SegmentsAll)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids(known))

	// A missing attribute is an evaluation error and so a non-match.
	vip, err := ev.Filter(members(), []comm.Segment{{ID: 2, Expression: `person.attributes.vip == true`}}, comm.SegmentsAll)
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, ids(vip))
}

func TestInvalidExpression(t *testing.T) {
	ev, err := NewEvaluator()
	require.NoError(t, err)

	_, err = ev.Filter(members(), []comm.Segment{{ID: 1, Name: "broken", Expression: `person.first_name ==`}}, comm.SegmentsAll)
	assert.ErrorIs(t, err, ErrInvalidExpression)

	_, err = ev.Compile("  ")
	assert.ErrorIs(t, err, ErrInvalidExpression)
}

func TestProgramCacheTracksExpression(t *testing.T) {
	ev, err := NewEvaluator()
	require.NoError(t, err)

	seg := comm.Segment{ID: 7, Expression: `person.id == 1`}
	got, err := ev.Filter(members(), []comm.Segment{seg}, comm.SegmentsAll)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids(got))

	seg.Expression = `person.id == 2`
	got, err = ev.Filter(members(), []comm.Segment{seg}, comm.SegmentsAll)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, ids(got))
}
