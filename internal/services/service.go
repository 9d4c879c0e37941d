package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode"

	"iconforge/internal/config"
	"iconforge/internal/convert"
	"iconforge/internal/credits"
	"iconforge/internal/logging"
	"iconforge/internal/models"
	"iconforge/internal/replicate"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidRequest = errors.New("invalid request")
	ErrNotSVG         = errors.New("response does not contain valid svg content")
	ErrUpstream       = errors.New("upstream fetch failed")
)

const (
	IconModel = "recraft-ai/recraft-20b-svg"
	SVGModel  = "recraft-ai/recraft-v3-svg"

	aspectNotSet     = "Not set"
	defaultSize      = "1024x1024"
	maxPromptRunes   = 1000
	maxTitleRunes    = 50
	maxFetchedSVG    = 5 << 20
	untitledIconName = "Untitled Icon"
	untitledSVGName  = "Untitled SVG"
)

var (
	iconStyles = []string{
		"icon", "icon/broken_line", "icon/colored_outline",
		"icon/colored_shapes", "icon/colored_shapes_gradient", "icon/doodle_fill",
		"icon/doodle_offset_fill", "icon/offset_fill", "icon/outline",
		"icon/outline_gradient", "icon/uneven_fill",
	}
	svgStyles = []string{"any", "engraving", "line_art", "line_circuit", "linocut"}
	sizes     = []string{
		"1024x1024", "1365x1024", "1024x1365", "1536x1024", "1024x1536",
		"1820x1024", "1024x1820", "1024x2048", "2048x1024", "1434x1024",
		"1024x1434", "1024x1280", "1280x1024", "1024x1707", "1707x1024",
	}
	aspectRatios = []string{
		aspectNotSet, "1:1", "4:3", "3:4", "3:2", "2:3", "16:9", "9:16",
		"1:2", "2:1", "7:5", "5:7", "4:5", "5:4", "3:5", "5:3",
	}
)

// Generator runs a hosted model and downloads what it produced.
type Generator interface {
	Run(ctx context.Context, model string, input map[string]any) (replicate.Prediction, error)
	Fetch(ctx context.Context, rawURL string, limit int64) ([]byte, error)
}

type BalanceReader interface {
	Balance(ctx context.Context, id models.Identity) (models.Balance, error)
}

type DesignStore interface {
	SaveDesign(ctx context.Context, design models.Design) error
}

// ProfileProvisioner makes sure an authenticated user has a profile row
// before credits are read or charged.
type ProfileProvisioner interface {
	EnsureProfile(ctx context.Context, userID string) error
}

type Deps struct {
	Pool      *pgxpool.Pool
	Executor  *credits.Executor
	Balances  BalanceReader
	Generator Generator
	Designs   DesignStore
	Profiles  ProfileProvisioner
	Logger    *slog.Logger
}

type Service struct {
	pool      *pgxpool.Pool
	config    config.Config
	executor  *credits.Executor
	balances  BalanceReader
	generator Generator
	designs   DesignStore
	profiles  ProfileProvisioner
	logger    *slog.Logger
	now       func() time.Time
}

// New wires the service. Design storage and profile provisioning default to
// the Postgres implementations on the pool.
func New(cfg config.Config, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Service{
		pool:      deps.Pool,
		config:    cfg,
		executor:  deps.Executor,
		balances:  deps.Balances,
		generator: deps.Generator,
		designs:   deps.Designs,
		profiles:  deps.Profiles,
		logger:    logger.With("component", "service"),
		now:       time.Now,
	}
	if s.designs == nil {
		s.designs = s
	}
	if s.profiles == nil {
		s.profiles = s
	}
	return s
}

type GenerateRequest struct {
	Prompt      string `json:"prompt"`
	Style       string `json:"style"`
	Size        string `json:"size"`
	AspectRatio string `json:"aspect_ratio"`
}

// Generation is what a successful generation returns. SVG and DesignID are
// only set for authenticated callers whose result was stored.
type Generation struct {
	SVGURL       string `json:"svg_url"`
	SVG          string `json:"svg,omitempty"`
	DesignID     string `json:"design_id,omitempty"`
	Model        string `json:"model"`
	PredictionID string `json:"prediction_id"`
}

// Generate charges id for one icon or SVG generation and runs the model.
// Validation errors are returned before any credits are touched.
func (s *Service) Generate(ctx context.Context, id models.Identity, gen models.GenerationType, req GenerateRequest) (credits.Result[Generation], error) {
	var res credits.Result[Generation]
	prompt := cleanText(req.Prompt, maxPromptRunes)
	if prompt == "" {
		return res, fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}
	model, input, err := modelInput(gen, prompt, req)
	if err != nil {
		return res, err
	}
	if !id.IsAnonymous() {
		if err := s.profiles.EnsureProfile(ctx, id.UserID); err != nil {
			return res, fmt.Errorf("ensure profile: %w", err)
		}
	}

	log := s.logger.With("generation_type", gen, "model", model)
	log.Debug("generation requested", "input", input)
	res, err = credits.Execute(ctx, s.executor, id, gen, func(ctx context.Context) (Generation, error) {
		pred, err := s.generator.Run(ctx, model, input)
		if err != nil {
			return Generation{}, err
		}
		// A prediction without a usable URL is a failed generation.
		svgURL, err := replicate.OutputURL(pred.Output)
		if err != nil {
			return Generation{}, err
		}
		return Generation{SVGURL: svgURL, Model: model, PredictionID: pred.ID}, nil
	})
	if err != nil || !res.Success {
		return res, err
	}
	if !id.IsAnonymous() {
		res.Data = s.storeDesign(ctx, log, id.UserID, gen, prompt, res.Data)
	}
	return res, nil
}

// storeDesign saves the generated SVG for the user. Failures are logged and
// the generation is returned without the stored copy.
func (s *Service) storeDesign(ctx context.Context, log *slog.Logger, userID string, gen models.GenerationType, prompt string, out Generation) Generation {
	if !convert.IsAllowedURL(out.SVGURL, convert.AllowedOutputDomains) {
		log.Warn("generated svg url not on allowlist", "url", out.SVGURL)
		return out
	}
	body, err := s.generator.Fetch(ctx, out.SVGURL, maxFetchedSVG)
	if err != nil {
		log.Error("fetch generated svg failed", "error", err)
		return out
	}
	if !strings.Contains(string(body), "<svg") {
		log.Warn("generated output is not an svg document")
		return out
	}
	clean := convert.SanitizeSVG(string(body))
	if clean == "" {
		log.Warn("generated svg rejected by sanitizer")
		return out
	}

	title, tag := cleanText(prompt, maxTitleRunes), "svg"
	if gen == models.GenerationIcon {
		tag = "icon"
	}
	if title == "" {
		title = untitledSVGName
		if gen == models.GenerationIcon {
			title = untitledIconName
		}
	}
	design := models.Design{
		ID:         uuid.NewString(),
		UserID:     userID,
		Prompt:     prompt,
		SVGContent: clean,
		Title:      title,
		Tags:       []string{tag},
		CreatedAt:  s.now(),
	}
	out.SVG = clean
	if err := s.designs.SaveDesign(ctx, design); err != nil {
		log.Error("save design failed", "error", err)
		return out
	}
	out.DesignID = design.ID
	return out
}

func (s *Service) Balance(ctx context.Context, id models.Identity) (models.Balance, error) {
	if !id.IsAnonymous() {
		if err := s.profiles.EnsureProfile(ctx, id.UserID); err != nil {
			return models.Balance{}, fmt.Errorf("ensure profile: %w", err)
		}
	}
	return s.balances.Balance(ctx, id)
}

// SVGToPNG sanitises an uploaded SVG and renders it as a size x size PNG.
func (s *Service) SVGToPNG(svg []byte, size int) ([]byte, error) {
	clean := convert.SanitizeSVG(string(svg))
	if clean == "" {
		return nil, fmt.Errorf("%w: not an svg document", ErrInvalidRequest)
	}
	png, err := convert.RasterizeSVG([]byte(clean), size)
	if errors.Is(err, convert.ErrInvalidSVG) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return png, err
}

// ProxySVG fetches a generated SVG from an allowlisted host and returns a
// sanitised copy with a viewBox.
func (s *Service) ProxySVG(ctx context.Context, rawURL string) (string, error) {
	if !convert.IsAllowedURL(rawURL, convert.AllowedOutputDomains) {
		return "", fmt.Errorf("%w: svg url not allowed", ErrInvalidRequest)
	}
	body, err := s.generator.Fetch(ctx, rawURL, maxFetchedSVG)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if !strings.Contains(string(body), "<svg") {
		return "", ErrNotSVG
	}
	clean := convert.SanitizeSVG(convert.EnsureViewBox(string(body)))
	if clean == "" {
		return "", ErrNotSVG
	}
	return clean, nil
}

func modelInput(gen models.GenerationType, prompt string, req GenerateRequest) (string, map[string]any, error) {
	var model, style, aspect string
	switch gen {
	case models.GenerationIcon:
		model = IconModel
		style = pick(req.Style, iconStyles, "icon")
		aspect = pick(req.AspectRatio, aspectRatios, "1:1")
	case models.GenerationSVG:
		model = SVGModel
		style = pick(req.Style, svgStyles, "any")
		aspect = pick(req.AspectRatio, aspectRatios, aspectNotSet)
	default:
		return "", nil, fmt.Errorf("%w: %s generation is not available here", ErrInvalidRequest, gen)
	}
	input := map[string]any{
		"prompt": prompt,
		"style":  style,
		"size":   pick(req.Size, sizes, defaultSize),
	}
	if aspect != aspectNotSet {
		input["aspect_ratio"] = aspect
	}
	return model, input, nil
}

func pick(value string, allowed []string, def string) string {
	if slices.Contains(allowed, value) {
		return value
	}
	return def
}

// cleanText drops control characters and markup brackets, collapses
// whitespace and cuts the result to limit runes.
func cleanText(raw string, limit int) string {
	var b strings.Builder
	space := false
	n := 0
	for _, r := range strings.TrimSpace(raw) {
		if n >= limit {
			break
		}
		switch {
		case unicode.IsSpace(r):
			space = true
			continue
		case unicode.IsControl(r), r == '<', r == '>':
			continue
		}
		if space && b.Len() > 0 {
			if n+1 >= limit {
				break
			}
			b.WriteByte(' ')
			n++
		}
		space = false
		b.WriteRune(r)
		n++
	}
	return b.String()
}
