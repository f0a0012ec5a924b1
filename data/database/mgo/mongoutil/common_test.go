package mongoutil

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
)

func TestValidateAndSetDefaults(t *testing.T) {
	c := &Config{Address: []string{"a:27017", "b:27017"}, Database: "chat", Username: "u", Password: "p"}
	require.NoError(t, c.ValidateAndSetDefaults())
	assert.Equal(t, defaultMaxPoolSize, c.MaxPoolSize)
	assert.Equal(t, defaultMaxRetry, c.MaxRetry)
	assert.Equal(t, "mongodb://u:p@a:27017,b:27017/chat?authSource=chat&maxPoolSize=100", c.Uri)

	assert.Error(t, (&Config{Database: "x"}).ValidateAndSetDefaults())
	assert.Error(t, (&Config{Uri: "mongodb://x"}).ValidateAndSetDefaults())
}

func TestShouldRetry(t *testing.T) {
	ctx := context.Background()
	assert.True(t, shouldRetry(ctx, errors.New("conn reset")))
	assert.False(t, shouldRetry(ctx, mongo.CommandError{Code: 18}))

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	assert.False(t, shouldRetry(cctx, errors.New("x")))
}
