package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/seu-repo/sigec-sim/internal/cache"
	"github.com/seu-repo/sigec-sim/internal/domain"
)

const templateCacheTTL = 5 * time.Minute

// LoadTemplate reads and validates one station template file. File contents
// go through the shared cache so every worker parses a template once per TTL.
// Deprecated fields are honored with a warning.
func LoadTemplate(path string, store cache.Cache, log *zap.Logger) (*domain.StationTemplate, error) {
	raw, err := readTemplate(path, store, log)
	if err != nil {
		return nil, err
	}

	var tmpl domain.StationTemplate
	if err := json.Unmarshal(raw, &tmpl); err != nil {
		return nil, fmt.Errorf("fleet: parse template %s: %w", path, err)
	}
	tmpl.TemplateName = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	if tmpl.SupervisionURL != "" {
		log.Warn("Deprecated 'supervisionUrl' template field used, prefer 'supervisionUrls'",
			zap.String("template", tmpl.TemplateName),
		)
		if len(tmpl.SupervisionURLs) == 0 {
			tmpl.SupervisionURLs = domain.StringList{tmpl.SupervisionURL}
		}
	}
	if tmpl.AuthorizationFile != "" {
		log.Warn("Deprecated 'authorizationFile' template field used, prefer 'idTagsFile'",
			zap.String("template", tmpl.TemplateName),
		)
		if tmpl.IDTagsFile == "" {
			tmpl.IDTagsFile = tmpl.AuthorizationFile
		}
	}

	if err := tmpl.Validate(); err != nil {
		return nil, fmt.Errorf("fleet: template %s: %w", path, err)
	}

	log.Info("Station template loaded",
		zap.String("template", tmpl.TemplateName),
		zap.Int("connectors", tmpl.ConnectorCount()),
	)
	return &tmpl, nil
}

func readTemplate(path string, store cache.Cache, log *zap.Logger) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cacheKey := "template:" + path
	if store != nil {
		if cached, err := store.Get(ctx, cacheKey); err == nil && cached != "" {
			return []byte(cached), nil
		}
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("fleet: read template %s: %w", path, err)
	}

	if store != nil {
		if err := store.Set(ctx, cacheKey, raw, templateCacheTTL); err != nil {
			log.Warn("Failed to cache template", zap.String("file", path), zap.Error(err))
		}
	}
	return raw, nil
}
