package items

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/ksred/klear-orderbook/internal/resolver"
	"github.com/ksred/klear-orderbook/internal/types"
)

// LocalResolver resolves item references against the local item store.
// Both bare paths (/executions/9) and absolute URLs are accepted; only the
// last two path segments are significant.
type LocalResolver struct {
	service *Service
}

func NewLocalResolver(service *Service) *LocalResolver {
	return &LocalResolver{service: service}
}

func (r *LocalResolver) Resolve(ctx context.Context, ref string) (resolver.Document, error) {
	kind, id, err := ParseReference(ref)
	if err != nil {
		return nil, err
	}
	doc, err := r.service.Document(ctx, kind, id)
	if errors.Is(err, types.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", resolver.ErrNotFound, ref)
	}
	return doc, err
}

// ParseReference splits an item reference into its collection and id.
func ParseReference(ref string) (Kind, uint, error) {
	parsed, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", 0, fmt.Errorf("%w: %s", resolver.ErrNotFound, ref)
	}
	segments := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	if len(segments) < 2 {
		return "", 0, fmt.Errorf("%w: %s", resolver.ErrNotFound, ref)
	}

	kind := Kind(segments[len(segments)-2])
	switch kind {
	case KindMarketOrder, KindLimitOrder, KindExecution:
	default:
		return "", 0, fmt.Errorf("%w: unknown collection in %s", resolver.ErrNotFound, ref)
	}

	id, err := strconv.ParseUint(segments[len(segments)-1], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %s", resolver.ErrNotFound, ref)
	}
	return kind, uint(id), nil
}
