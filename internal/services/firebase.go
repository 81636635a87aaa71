package services

import (
	"context"
	"encoding/base64"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

// FirebaseCredentials selects how the service account is supplied. Base64
// wins over the file so cloud deployments need no mounted secrets.
type FirebaseCredentials struct {
	Base64      string
	File        string
	DatabaseURL string // needed only for the realtime database mirror
}

// NewFirebaseApp initializes the shared Firebase app
func NewFirebaseApp(ctx context.Context, creds FirebaseCredentials) (*firebase.App, error) {
	var opt option.ClientOption
	switch {
	case creds.Base64 != "":
		credentialsJSON, err := base64.StdEncoding.DecodeString(creds.Base64)
		if err != nil {
			return nil, fmt.Errorf("error decoding base64 credentials: %w", err)
		}
		opt = option.WithCredentialsJSON(credentialsJSON)
	case creds.File != "":
		opt = option.WithCredentialsFile(creds.File)
	default:
		return nil, fmt.Errorf("no firebase credentials configured")
	}

	var conf *firebase.Config
	if creds.DatabaseURL != "" {
		conf = &firebase.Config{DatabaseURL: creds.DatabaseURL}
	}

	app, err := firebase.NewApp(ctx, conf, opt)
	if err != nil {
		return nil, fmt.Errorf("error initializing Firebase app: %w", err)
	}
	logrus.WithField("from_base64", creds.Base64 != "").Info("✅ Firebase app initialized")
	return app, nil
}
