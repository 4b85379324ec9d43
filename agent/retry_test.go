package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyOverflowTakesPrecedenceOverPermanent(t *testing.T) {
	t.Parallel()
	lexicon := ErrorLexicon{
		Permanent: []string{"context"},
		Overflow:  []string{"context length exceeded"},
	}
	assert.Equal(t, ClassOverflow, Classify("Context Length Exceeded", lexicon))
}

func TestClassifyPermanentBeforeTransient(t *testing.T) {
	t.Parallel()
	assert.Equal(t, ClassPermanent, Classify("401 Unauthorized: invalid api key", DefaultErrorLexicon))
}

func TestClassifyTransientKnownPattern(t *testing.T) {
	t.Parallel()
	assert.Equal(t, ClassTransient, Classify("upstream returned 503", DefaultErrorLexicon))
}

func TestClassifyUnknownErrorDefaultsToTransient(t *testing.T) {
	t.Parallel()
	assert.Equal(t, ClassTransient, Classify("something bizarre happened", DefaultErrorLexicon))
}

func TestClassifyIsCaseInsensitive(t *testing.T) {
	t.Parallel()
	assert.Equal(t, ClassTransient, Classify("RATE LIMIT EXCEEDED", DefaultErrorLexicon))
}

func TestBackoffDelayFirstAttemptIsBase(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 2*time.Second, BackoffDelay(1, 2*time.Second, 60*time.Second))
	assert.Equal(t, 2*time.Second, BackoffDelay(0, 2*time.Second, 60*time.Second))
}

func TestBackoffDelayDoublesPerAttempt(t *testing.T) {
	t.Parallel()
	base := 2 * time.Second
	max := 60 * time.Second
	assert.Equal(t, 4*time.Second, BackoffDelay(2, base, max))
	assert.Equal(t, 8*time.Second, BackoffDelay(3, base, max))
	assert.Equal(t, 16*time.Second, BackoffDelay(4, base, max))
}

func TestBackoffDelayCapsAtMax(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 60*time.Second, BackoffDelay(10, 2*time.Second, 60*time.Second))
}
