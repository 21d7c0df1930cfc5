package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/gopherauth/internal/logger"
)

func Test_SMTPSender(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		s, err := NewSMTPSender(SMTPConfig{Host: "smtp.example.com", Username: "robot@example.com"})

		require.NoError(t, err)
		assert.Equal(t, defaultSMTPPort, s.cfg.Port)
		assert.Equal(t, "robot@example.com", s.cfg.From, "username is used as sender")
		assert.Len(t, s.clientOptions(), 6, "auth options are set when username given")
	})

	t.Run("no auth without username", func(t *testing.T) {
		s, err := NewSMTPSender(SMTPConfig{Host: "localhost", Port: 25, From: "noreply@example.com"})

		require.NoError(t, err)
		assert.Len(t, s.clientOptions(), 3)
	})

	t.Run("host required", func(t *testing.T) {
		_, err := NewSMTPSender(SMTPConfig{Username: "robot@example.com"})
		require.Error(t, err)
	})

	t.Run("sender address required", func(t *testing.T) {
		_, err := NewSMTPSender(SMTPConfig{Host: "localhost"})
		require.Error(t, err)
	})
}

func Test_LogSender(t *testing.T) {
	s := NewLogSender(logger.NewNoOpLogger())

	err := s.Send(t.Context(), Welcome("a@example.com", ""))

	require.NoError(t, err)
}
