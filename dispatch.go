package simrail

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"railhub.dev/simrail/bus"
	"railhub.dev/simrail/dirty"
	"railhub.dev/simrail/model"
	"railhub.dev/simrail/points"
	"railhub.dev/simrail/snapshot"
	"railhub.dev/simrail/srapi"
	"railhub.dev/simrail/storage"
)

// Base information only goes to the durable store every few minutes;
// the dispatcher changes drive the snapshot publishes in between.
const dispatchDBInterval = 5 * time.Minute

// The upstream reports a position in the middle of nowhere for this
// post; corrected until fixed upstream.
const misplacedPostID = "675330d44337b38ac4027545"

var misplacedPostPosition = model.GeoPosition{Latitude: 50.2483, Longitude: 19.2775}

func postSecondary(serverID uuid.UUID, foreignID string) string {
	return serverID.String() + ":" + foreignID
}

type postHolder struct {
	id           uuid.UUID
	foreignID    string
	registeredAt time.Time
	info         srapi.DispatchPostInfo

	group      dirty.Group
	dispatcher *dirty.Field[model.User] // zero value means unmanned
}

func newPostHolder(serverCode string, info srapi.DispatchPostInfo) *postHolder {
	h := &postHolder{
		id:           model.DispatchPostID(serverCode, info.ID),
		foreignID:    info.ID,
		registeredAt: model.ObjectIDTime(info.ID),
	}
	h.dispatcher = dirty.NewField[model.User](&h.group)
	return h
}

func (h *postHolder) model(serverID uuid.UUID, pointID string) *model.DispatchPost {
	var dispatcher *model.User
	if u, _ := h.dispatcher.Get(); u.ID != "" {
		d := u
		dispatcher = &d
	}
	return &model.DispatchPost{
		ID:           h.id,
		ForeignID:    h.foreignID,
		ServerID:     serverID,
		Name:         h.info.Name,
		Difficulty:   h.info.DifficultyLevel,
		Position:     model.GeoPosition{Latitude: h.info.Latitude, Longitude: h.info.Longitude},
		PointID:      pointID,
		ImageURLs:    h.info.ImageURLs(),
		Dispatcher:   dispatcher,
		RegisteredAt: h.registeredAt,
		UpdatedAt:    time.Now().UTC(),
	}
}

type serverPostData struct {
	etag         string
	holders      map[string]*postHolder // by upstream id
	lastDBUpdate time.Time
}

// dispatchCollector reconciles the dispatch posts of every server and
// tracks who mans them.
type dispatchCollector struct {
	panel  *srapi.PanelClient
	store  storage.Storage
	cache  *snapshot.Cache
	bus    bus.Publisher
	points points.Provider
	logger *zap.Logger

	mu   sync.Mutex
	data map[string]*serverPostData // by server code
}

func (c *dispatchCollector) serverData(code string) *serverPostData {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.data[code]
	if d == nil {
		d = &serverPostData{holders: map[string]*postHolder{}}
		c.data[code] = d
	}
	return d
}

func (c *dispatchCollector) collect(ctx context.Context, servers []*model.Server) {
	for _, srv := range servers {
		c.collectServer(ctx, srv)
	}
}

func (c *dispatchCollector) collectServer(ctx context.Context, srv *model.Server) {
	data := c.serverData(srv.Code)

	posts, etag, modified, err := c.panel.DispatchPosts(ctx, srv.Code, data.etag)
	if err != nil {
		c.logger.Warn("dispatch post fetch failed",
			zap.String("server", srv.Code), zap.Error(err))
		return
	}
	if !modified {
		return
	}
	data.etag = etag
	if len(posts) == 0 {
		return
	}

	dbCycle := time.Since(data.lastDBUpdate) >= dispatchDBInterval
	if dbCycle {
		data.lastDBUpdate = time.Now()
	}

	seen := map[string]bool{}
	for i := range posts {
		info := posts[i]
		if info.ID == misplacedPostID {
			info.Latitude = misplacedPostPosition.Latitude
			info.Longitude = misplacedPostPosition.Longitude
		}

		holder := data.holders[info.ID]
		if holder == nil {
			holder = newPostHolder(srv.Code, info)
			data.holders[info.ID] = holder
		}
		holder.info = info
		seen[postSecondary(srv.ID, info.ID)] = true

		// The first listed dispatcher mans the post; a first entry
		// without a usable id leaves it unmanned.
		var user model.User
		if len(info.DispatchedBy) > 0 {
			switch d := info.DispatchedBy[0]; {
			case d.SteamID != nil:
				user = model.User{Platform: model.PlatformSteam, ID: *d.SteamID}
			case d.XboxID != nil:
				user = model.User{Platform: model.PlatformXbox, ID: *d.XboxID}
			}
		}
		holder.dispatcher.Set(user)

		pointID := ""
		pt, havePoint := c.points.PointByName(info.Name)
		if havePoint {
			pointID = pt.ID
		}
		post := holder.model(srv.ID, pointID)

		if holder.group.ConsumeAny() != 0 {
			if err := c.publish(ctx, srv, post); err != nil {
				c.logger.Error("dispatch post publish failed",
					zap.String("post", info.Name), zap.Error(err))
			}
		}
		if dbCycle {
			if !havePoint {
				c.logger.Warn("dispatch post has no matching point",
					zap.String("server", srv.Code), zap.String("post", info.Name))
				continue
			}
			if err := c.store.UpsertDispatchPost(ctx, post); err != nil {
				c.logger.Error("dispatch post upsert failed",
					zap.String("post", info.Name), zap.Error(err))
			}
		}
	}

	c.reapMissing(ctx, srv, data, seen, dbCycle)
}

func (c *dispatchCollector) publish(ctx context.Context, srv *model.Server, post *model.DispatchPost) error {
	primary := post.ID.String()
	f := &snapshot.Frame{
		ID:           snapshot.ID{Data: post.ID, Server: srv.ID, Foreign: post.ForeignID},
		Timestamp:    c.cache.NextTimestamp(primary),
		DispatchPost: post,
	}
	if err := c.cache.Set(ctx, f); err != nil {
		return err
	}
	if c.bus != nil {
		return c.bus.PublishUpdate(bus.DomainDispatchPost, f)
	}
	return nil
}

func (c *dispatchCollector) reapMissing(ctx context.Context, srv *model.Server, data *serverPostData, seen map[string]bool, dbCycle bool) {
	for _, f := range c.cache.FindBySecondaryNotIn(seen) {
		if f.ID.Server != srv.ID {
			continue
		}
		if c.bus != nil {
			if err := c.bus.PublishRemoval(bus.DomainDispatchPost, f); err != nil {
				c.logger.Warn("dispatch post removal publish failed",
					zap.String("post", f.ID.Foreign), zap.Error(err))
			}
		}
		if err := c.cache.RemoveByPrimary(ctx, f.ID.Data.String()); err != nil {
			c.logger.Warn("dispatch post cache removal failed",
				zap.String("post", f.ID.Foreign), zap.Error(err))
		}
		delete(data.holders, f.ID.Foreign)
		if dbCycle {
			if err := c.store.MarkDispatchPostDeleted(ctx, f.ID.Data); err != nil {
				c.logger.Error("dispatch post delete failed",
					zap.String("post", f.ID.Foreign), zap.Error(err))
			}
		}
	}
}
