package simrail

import (
	"context"
	"math"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"railhub.dev/simrail/bus"
	"railhub.dev/simrail/dirty"
	"railhub.dev/simrail/model"
	"railhub.dev/simrail/snapshot"
	"railhub.dev/simrail/srapi"
	"railhub.dev/simrail/storage"
)

// DefaultScenery is reported for servers without a dedicated scenery
// mapping.
const DefaultScenery = "WARSZAWA - KATOWICE - KRAKÓW"

// Server display names look like "Polski 1 (Polski) [nowi gracze]"
// with the bracket part optional.
var serverNamePattern = regexp.MustCompile(`^.+ \((?P<lang>.+)\) ?(\[(?P<tags>.+)])?$`)

// parseServerName extracts the spoken language and the tag list from
// the display name. Xbox servers (code prefix "xbx") put the language
// in the second whitespace token instead. International servers have
// no single language.
func parseServerName(code, name string) (language string, tags []string) {
	if strings.HasPrefix(code, "xbx") {
		if parts := strings.Fields(name); len(parts) > 1 {
			language = parts[1]
		}
	} else if m := serverNamePattern.FindStringSubmatch(name); m != nil {
		language = strings.TrimSpace(m[1])
		for _, t := range strings.Split(m[3], ",") {
			if t = strings.TrimSpace(t); t != "" {
				tags = append(tags, t)
			}
		}
	}
	if strings.EqualFold(language, "international") || strings.HasPrefix(code, "int") {
		language = ""
	}
	return language, tags
}

// utcOffsetSeconds derives the server's zone offset from its reported
// epoch millis and the instant the response was produced, rounded
// half-up to whole hours.
func utcOffsetSeconds(serverMillis int64, date time.Time) int {
	diff := float64(serverMillis)/1000 - float64(date.Unix())
	return int(math.Floor(diff/3600+0.5)) * 3600
}

type serverHolder struct {
	id           uuid.UUID
	foreignID    string
	code         string
	registeredAt time.Time

	group    dirty.Group
	online   *dirty.Field[bool]
	scenery  *dirty.Field[string]
	language *dirty.Field[string]
	tags     *dirty.Field[string] // comma-joined
	region   *dirty.Field[model.Region]
	offset   *dirty.Field[int]
}

func newServerHolder(info srapi.ServerInfo) *serverHolder {
	h := &serverHolder{
		id:           model.ServerID(info.ServerCode, info.ID),
		foreignID:    info.ID,
		code:         info.ServerCode,
		registeredAt: model.ObjectIDTime(info.ID),
	}
	h.online = dirty.NewField[bool](&h.group)
	h.scenery = dirty.NewField[string](&h.group)
	h.language = dirty.NewField[string](&h.group)
	h.tags = dirty.NewField[string](&h.group)
	h.region = dirty.NewField[model.Region](&h.group)
	h.offset = dirty.NewField[int](&h.group)
	return h
}

func (h *serverHolder) server() *model.Server {
	online, _ := h.online.Get()
	scenery, _ := h.scenery.Get()
	language, _ := h.language.Get()
	tags, _ := h.tags.Get()
	region, _ := h.region.Get()
	offset, _ := h.offset.Get()
	srv := &model.Server{
		ID:             h.id,
		ForeignID:      h.foreignID,
		Code:           h.code,
		Region:         region,
		SpokenLanguage: language,
		Online:         online,
		Scenery:        scenery,
		UTCOffset:      offset,
		RegisteredAt:   h.registeredAt,
		UpdatedAt:      time.Now().UTC(),
	}
	if tags != "" {
		srv.Tags = strings.Split(tags, ",")
	}
	return srv
}

// serverCollector reconciles the upstream server list every cycle and
// refreshes zone offsets on the full-collection cadence (every second
// run).
type serverCollector struct {
	panel   *srapi.PanelClient
	aws     *srapi.AWSClient
	store   storage.Storage
	cache   *snapshot.Cache
	bus     bus.Publisher
	scenery func(code string) string
	logger  *zap.Logger

	holders map[string]*serverHolder // by upstream id
	runs    int

	mu    sync.RWMutex
	known []*model.Server
}

// Servers returns the last fully collected server list.
func (c *serverCollector) Servers() []*model.Server {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*model.Server(nil), c.known...)
}

func (c *serverCollector) collect(ctx context.Context) {
	full := c.runs%2 == 0
	c.runs++

	infos, err := c.panel.Servers(ctx)
	if err != nil {
		c.logger.Warn("server list fetch failed", zap.Error(err))
		return
	}
	if len(infos) == 0 {
		return
	}

	seen := map[string]bool{}
	var current []*model.Server
	for i, info := range infos {
		seen[info.ID] = true
		holder, existed := c.holders[info.ID]
		if !existed {
			holder = newServerHolder(info)
			c.holders[info.ID] = holder
		}

		holder.online.Set(info.IsActive)
		holder.scenery.Set(c.scenery(info.ServerCode))
		holder.region.Set(model.RegionFromCode(info.ServerRegion))
		language, tags := parseServerName(info.ServerCode, info.ServerName)
		holder.language.Set(language)
		holder.tags.Set(strings.Join(tags, ","))

		if full || !existed {
			c.refreshOffset(ctx, holder)
		}

		srv := holder.server()
		current = append(current, srv)

		if mask := holder.group.ConsumeAny(); mask != 0 {
			if err := c.publish(ctx, srv); err != nil {
				c.logger.Error("server publish failed",
					zap.String("server", srv.Code), zap.Error(err))
			}
		}

		// Upstream rate limit.
		if (i+1)%5 == 0 {
			time.Sleep(time.Second)
		}
	}

	if full {
		c.reapMissing(ctx, seen)
		c.mu.Lock()
		c.known = current
		c.mu.Unlock()
	}
}

func (c *serverCollector) refreshOffset(ctx context.Context, h *serverHolder) {
	millis, date, err := c.aws.ServerTimeMillis(ctx, h.code)
	if err == nil {
		h.offset.Set(utcOffsetSeconds(millis, date))
		return
	}
	hours, fallbackErr := c.aws.ServerTimeOffsetHours(ctx, h.code)
	if fallbackErr != nil {
		c.logger.Warn("utc offset refresh failed",
			zap.String("server", h.code), zap.Error(err))
		return
	}
	h.offset.Set(hours * 3600)
}

func (c *serverCollector) publish(ctx context.Context, srv *model.Server) error {
	if err := c.store.UpsertServer(ctx, srv); err != nil {
		return err
	}
	primary := srv.ID.String()
	f := &snapshot.Frame{
		ID:        snapshot.ID{Data: srv.ID, Server: srv.ID, Foreign: srv.ForeignID},
		Timestamp: c.cache.NextTimestamp(primary),
		Server:    srv,
	}
	if err := c.cache.Set(ctx, f); err != nil {
		return err
	}
	if c.bus != nil {
		return c.bus.PublishUpdate(bus.DomainServer, f)
	}
	return nil
}

func (c *serverCollector) reapMissing(ctx context.Context, seen map[string]bool) {
	for foreignID, holder := range c.holders {
		if seen[foreignID] {
			continue
		}
		if err := c.store.MarkServerDeleted(ctx, holder.id); err != nil {
			c.logger.Error("server delete failed",
				zap.String("server", holder.code), zap.Error(err))
			continue
		}
		primary := holder.id.String()
		if f, ok := c.cache.FindByPrimary(primary); ok && c.bus != nil {
			f = f.Clone()
			f.Timestamp = c.cache.NextTimestamp(primary)
			if err := c.bus.PublishRemoval(bus.DomainServer, f); err != nil {
				c.logger.Warn("server removal publish failed",
					zap.String("server", holder.code), zap.Error(err))
			}
		}
		if err := c.cache.RemoveByPrimary(ctx, primary); err != nil {
			c.logger.Warn("server cache removal failed",
				zap.String("server", holder.code), zap.Error(err))
		}
		delete(c.holders, foreignID)
	}
}
