package lib

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplySecretsKeepsExistingEnv(t *testing.T) {
	t.Setenv("MAGUEY_SET", "mine")
	os.Unsetenv("MAGUEY_NEW")
	t.Cleanup(func() { os.Unsetenv("MAGUEY_NEW") })

	n := applySecrets(`{"MAGUEY_SET":"theirs","MAGUEY_NEW":"fresh"}`)

	assert.Equal(t, 1, n)
	assert.Equal(t, "mine", os.Getenv("MAGUEY_SET"))
	assert.Equal(t, "fresh", os.Getenv("MAGUEY_NEW"))
}

func TestApplySecretsIgnoresPlainText(t *testing.T) {
	assert.Zero(t, applySecrets("not json"))
}

func TestGetTopicArn(t *testing.T) {
	t.Setenv("AWS_REGION", "ap-southeast-1")
	t.Setenv("AWS_MEMBER_ID", "123456789012")

	assert.Equal(t, "arn:aws:sns:ap-southeast-1:123456789012:ReservationChanges", GetTopicArn("ReservationChanges"))
}
