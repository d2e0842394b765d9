package detector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"restosync/internal/changelog"
	"restosync/internal/directory"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		kind directory.Kind
		in   string
		want string
	}{
		{"text trims and collapses", directory.KindText, "  Mon-Fri \t 9am -  5pm ", "Mon-Fri 9am - 5pm"},
		{"text keeps case", directory.KindText, "Cafe A", "Cafe A"},
		{"list sorts lowercases dedupes", directory.KindList, "Pizza, italian ,PIZZA,, Wood  Fired", "italian,pizza,wood fired"},
		{"empty list", directory.KindList, " , ", ""},
		{"bool true", directory.KindBool, " TRUE ", "true"},
		{"bool one", directory.KindBool, "1", "true"},
		{"bool false", directory.KindBool, "f", "false"},
		{"number", directory.KindNumber, " 4.50 ", "4.5"},
		{"empty number", directory.KindNumber, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalize(tt.kind, tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := normalize(directory.KindBool, "closed")
	assert.Error(t, err)
	_, err = normalize(directory.KindNumber, "n/a")
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		field    string
		old, new string
		want     changelog.ChangeType
	}{
		{directory.FieldClosed, "false", "true", changelog.ChangeTypeClosure},
		{directory.FieldClosed, "", "true", changelog.ChangeTypeClosure},
		{directory.FieldClosed, "true", "false", changelog.ChangeTypeOther},
		{directory.FieldOpeningHours, "9-5", "9-6", changelog.ChangeTypeHoursChange},
		{directory.FieldPromotions, "", "2 for 1", changelog.ChangeTypeNewPromotion},
		{directory.FieldName, "a", "b", changelog.ChangeTypeOther},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classify(tt.field, tt.old, tt.new), "%s %s->%s", tt.field, tt.old, tt.new)
	}
}

func TestDecide(t *testing.T) {
	assert.Equal(t, changelog.DispositionQueuedForReview, decide(changelog.ChangeTypeClosure, 1))
	assert.Equal(t, changelog.DispositionAutoApplied, decide(changelog.ChangeTypeOther, AutoApplyThreshold))
	assert.Equal(t, changelog.DispositionQueuedForReview, decide(changelog.ChangeTypeHoursChange, 0.849999))
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.Lock("a")
	unlockB := k.Lock("b")
	assert.Equal(t, 2, k.size())

	done := make(chan struct{})
	go func() {
		unlock := k.Lock("a")
		unlock()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second lock on the same key must wait")
	default:
	}
	unlockA()
	<-done
	unlockB()
	assert.Equal(t, 0, k.size())
}
