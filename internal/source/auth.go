package source

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

type AuthConfig struct {
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
	// TokenFile holds a JSON oauth2 token used as-is.
	TokenFile string `yaml:"token_file"`
}

func (c AuthConfig) Enabled() bool {
	return c.ClientID != "" || c.TokenFile != ""
}

// TokenSource builds a token source from c, or returns nil when no
// credentials are configured. Client credentials take precedence over a
// token file and are refreshed automatically.
func TokenSource(ctx context.Context, c AuthConfig) (oauth2.TokenSource, error) {
	switch {
	case c.ClientID != "":
		if c.TokenURL == "" {
			return nil, fmt.Errorf("oauth2 client credentials need a token URL")
		}
		cc := &clientcredentials.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			TokenURL:     c.TokenURL,
			Scopes:       c.Scopes,
		}
		log.Debug().Str("op", "source/auth").Msgf("using oauth2 client credentials for %s", c.ClientID)
		return cc.TokenSource(ctx), nil
	case c.TokenFile != "":
		token, err := tokenFromFile(c.TokenFile)
		if err != nil {
			return nil, fmt.Errorf("unable to read token file: %w", err)
		}
		if !token.Valid() {
			return nil, fmt.Errorf("oauth2 token in %s is expired", c.TokenFile)
		}
		return oauth2.StaticTokenSource(token), nil
	}
	return nil, nil
}

func tokenFromFile(file string) (*oauth2.Token, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	token := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(token); err != nil {
		return nil, err
	}
	log.Debug().Str("op", "source/auth").Msgf("token retrieved from %s", file)
	return token, nil
}
