package kmsproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
)

const (
	imdsTokenURL = "http://169.254.169.254/latest/api-token"
	imdsRoleURL  = "http://169.254.169.254/latest/meta-data/iam/security-credentials/"
	imdsTokenTTL = "21600"
)

type imdsCredentials struct {
	AccessKeyID     string `json:"AccessKeyId"`
	SecretAccessKey string `json:"SecretAccessKey"`
	Token           string `json:"Token"`
	Expiration      time.Time
}

// FetchCredentials performs the IMDSv2 token/role/credentials dance
// through client, which the caller has routed via the local egress proxy
// (the enclave has no direct network route to 169.254.169.254 otherwise).
// Fetched exactly once at supervisor startup.
func FetchCredentials(ctx context.Context, client HTTPClient) (awssdk.Credentials, error) {
	token, err := fetchToken(ctx, client)
	if err != nil {
		return awssdk.Credentials{}, err
	}

	role, err := fetchRoleName(ctx, client, token)
	if err != nil {
		return awssdk.Credentials{}, err
	}

	creds, err := fetchRoleCredentials(ctx, client, token, role)
	if err != nil {
		return awssdk.Credentials{}, err
	}

	return awssdk.Credentials{
		AccessKeyID:     creds.AccessKeyID,
		SecretAccessKey: creds.SecretAccessKey,
		SessionToken:    creds.Token,
		CanExpire:       true,
		Expires:         creds.Expiration,
	}, nil
}

func fetchToken(ctx context.Context, client HTTPClient) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, imdsTokenURL, nil)
	if err != nil {
		return "", fmt.Errorf("kmsproxy: building IMDS token request: %w", err)
	}
	req.Header.Set("X-aws-ec2-metadata-token-ttl-seconds", imdsTokenTTL)

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("kmsproxy: fetching IMDS token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("kmsproxy: IMDS token request returned %d", resp.StatusCode)
	}

	var buf [256]byte
	n, _ := resp.Body.Read(buf[:])
	return string(buf[:n]), nil
}

func fetchRoleName(ctx context.Context, client HTTPClient, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imdsRoleURL, nil)
	if err != nil {
		return "", fmt.Errorf("kmsproxy: building IMDS role request: %w", err)
	}
	req.Header.Set("X-aws-ec2-metadata-token", token)

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("kmsproxy: fetching IMDS role name: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("kmsproxy: IMDS role request returned %d", resp.StatusCode)
	}

	var buf [256]byte
	n, _ := resp.Body.Read(buf[:])
	return string(buf[:n]), nil
}

func fetchRoleCredentials(ctx context.Context, client HTTPClient, token, role string) (imdsCredentials, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imdsRoleURL+role, nil)
	if err != nil {
		return imdsCredentials{}, fmt.Errorf("kmsproxy: building IMDS credentials request: %w", err)
	}
	req.Header.Set("X-aws-ec2-metadata-token", token)

	resp, err := client.Do(req)
	if err != nil {
		return imdsCredentials{}, fmt.Errorf("kmsproxy: fetching IMDS credentials: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return imdsCredentials{}, fmt.Errorf("kmsproxy: IMDS credentials request returned %d", resp.StatusCode)
	}

	var creds imdsCredentials
	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		return imdsCredentials{}, fmt.Errorf("kmsproxy: decoding IMDS credentials: %w", err)
	}
	return creds, nil
}
