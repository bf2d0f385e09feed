package lib

import (
	"context"
	"log"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/tidwall/gjson"
)

// LoadSecrets copies the keys of a JSON secret into the environment.
// Variables already set win over the secret.
func LoadSecrets(ctx context.Context, secretID string) (int, error) {
	client := AWSGetSecretsManagerClient()
	if client == nil {
		return 0, nil
	}
	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(secretID)})
	if err != nil {
		log.Printf("[secrets] Error reading %s: %s\n", secretID, err.Error())
		return 0, err
	}
	return applySecrets(aws.ToString(out.SecretString)), nil
}

func applySecrets(raw string) int {
	if !gjson.Valid(raw) {
		log.Println("[secrets] secret is not a JSON object, ignoring")
		return 0
	}
	n := 0
	gjson.Parse(raw).ForEach(func(key, value gjson.Result) bool {
		if _, set := os.LookupEnv(key.String()); set {
			return true
		}
		if err := os.Setenv(key.String(), value.String()); err == nil {
			n++
		}
		return true
	})
	return n
}
