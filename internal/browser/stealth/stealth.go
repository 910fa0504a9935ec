package stealth

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/hypeauto/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

//go:embed evasions.js
var evasionsScript string

// Persona defines the browser characteristics every session presents.
type Persona struct {
	UserAgent string
	Languages []string
	Locale    string
	Width     int64
	Height    int64
}

// PersonaFromConfig builds the persona from browser configuration.
func PersonaFromConfig(cfg config.BrowserConfig) Persona {
	p := Persona{
		UserAgent: cfg.UserAgent,
		Languages: cfg.Languages,
		Locale:    cfg.Locale,
		Width:     cfg.Viewport.Width,
		Height:    cfg.Viewport.Height,
	}
	if len(p.Languages) == 0 && p.Locale != "" {
		p.Languages = []string{p.Locale}
	}
	return p
}

// AcceptLanguage renders the persona's languages as an Accept-Language header value.
func (p Persona) AcceptLanguage() string {
	parts := make([]string, 0, len(p.Languages))
	for i, lang := range p.Languages {
		if i == 0 {
			parts = append(parts, lang)
			continue
		}
		q := 1.0 - 0.1*float64(i)
		if q < 0.1 {
			q = 0.1
		}
		parts = append(parts, fmt.Sprintf("%s;q=%.1f", lang, q))
	}
	return strings.Join(parts, ",")
}

// Script returns the init script that hides automation markers, parameterised with the
// persona's languages.
func Script(p Persona) (string, error) {
	langs, err := json.Marshal(p.Languages)
	if err != nil {
		return "", fmt.Errorf("failed to encode persona languages: %w", err)
	}
	return fmt.Sprintf("(() => {\nconst __personaLanguages = %s;\n%s\n})();", langs, evasionsScript), nil
}

// Apply returns the actions that make a fresh page present the persona. They must run
// before the first navigation so the init script covers every document.
func Apply(p Persona, logger *zap.Logger) chromedp.Tasks {
	logger.Debug("Applying browser persona",
		zap.String("userAgent", p.UserAgent),
		zap.String("locale", p.Locale),
	)

	tasks := chromedp.Tasks{
		emulation.SetUserAgentOverride(p.UserAgent).WithAcceptLanguage(p.AcceptLanguage()),
		chromedp.ActionFunc(func(ctx context.Context) error {
			script, err := Script(p)
			if err != nil {
				return err
			}
			if _, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx); err != nil {
				return fmt.Errorf("failed to inject evasions script: %w", err)
			}
			return nil
		}),
	}
	if p.Locale != "" {
		tasks = append(tasks, emulation.SetLocaleOverride().WithLocale(p.Locale))
	}
	if p.Width > 0 && p.Height > 0 {
		tasks = append(tasks, emulation.SetDeviceMetricsOverride(p.Width, p.Height, 1, false))
	}
	return tasks
}
