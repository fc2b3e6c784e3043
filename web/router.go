package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/deemkeen/boardfed/activitypub"
	"github.com/deemkeen/boardfed/db"
	"github.com/deemkeen/boardfed/domain"
	"github.com/deemkeen/boardfed/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
	"github.com/rs/zerolog/log"
)

const (
	activityJSON = "application/activity+json; charset=utf-8"
	jrdJSON      = "application/jrd+json; charset=utf-8"
)

// Store is what the HTTP surface reads. *db.DB satisfies it.
type Store interface {
	ReadLocalActorByUsername(ctx context.Context, username string) (*domain.LocalActor, error)
	ReadFollowers(ctx context.Context, followedURI string, state domain.FollowState) ([]domain.Follow, error)
	CountLocalActors(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
}

// InboxHandler processes an inbound activity and returns the status to
// answer with. *activitypub.Dispatcher satisfies it.
type InboxHandler interface {
	HandleInbox(r *http.Request) (int, error)
}

// Router builds the gin engine. inboxLimiter counts inbox posts per remote
// domain.
func Router(conf *util.AppConfig, store Store, inbox InboxHandler, inboxLimiter *RateLimiter) *gin.Engine {
	sslDomain := conf.Conf.SslDomain

	g := gin.New()
	g.Use(gin.Recovery(), RequestLogger())

	g.GET("/healthz", func(c *gin.Context) {
		if err := store.Ping(c.Request.Context()); err != nil {
			log.Error().Err(err).Msg("Health check failed")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	maxBody := MaxBytesMiddleware(conf.Federation.MaxBodyBytes)
	limit := RateLimitMiddleware(inboxLimiter, SignerDomainKey)

	g.POST("/inbox", limit, maxBody, handleInbox(inbox))

	g.POST("/users/:username/inbox", limit, maxBody, func(c *gin.Context) {
		if _, err := lookupUser(c.Request.Context(), store, c.Param("username")); err != nil {
			writeLookupError(c, err)
			return
		}
		handleInbox(inbox)(c)
	})

	// Discovery documents are compressed; inbox responses are empty.
	discovery := g.Group("/", gzip.Gzip(gzip.DefaultCompression))

	discovery.GET("/actor", func(c *gin.Context) {
		doc, err := GetInstanceActor(c.Request.Context(), store, sslDomain)
		if err != nil {
			writeLookupError(c, err)
			return
		}
		renderJSON(c, activityJSON, doc)
	})

	discovery.GET("/users/:username", func(c *gin.Context) {
		doc, err := GetActor(c.Request.Context(), store, sslDomain, c.Param("username"))
		if err != nil {
			writeLookupError(c, err)
			return
		}
		renderJSON(c, activityJSON, doc)
	})

	discovery.GET("/users/:username/followers", func(c *gin.Context) {
		col, err := GetFollowers(c.Request.Context(), store, sslDomain, c.Param("username"))
		if err != nil {
			writeLookupError(c, err)
			return
		}
		renderJSON(c, activityJSON, col)
	})

	for path, which := range map[string]action{"/users/:username/outbox": outbox, "/users/:username/following": following} {
		discovery.GET(path, func(c *gin.Context) {
			col, err := GetEmptyCollection(c.Request.Context(), store, sslDomain, c.Param("username"), which)
			if err != nil {
				writeLookupError(c, err)
				return
			}
			renderJSON(c, activityJSON, col)
		})
	}

	discovery.GET("/.well-known/webfinger", func(c *gin.Context) {
		jrd, err := GetWebfinger(c.Request.Context(), store, sslDomain, c.Query("resource"))
		switch {
		case errors.Is(err, errBadResource):
			c.JSON(http.StatusBadRequest, gin.H{"detail": "Bad resource"})
		case err != nil:
			writeLookupError(c, err)
		default:
			renderJSON(c, jrdJSON, jrd)
		}
	})

	discovery.GET("/.well-known/nodeinfo", func(c *gin.Context) {
		c.JSON(http.StatusOK, GetNodeInfoLinks(sslDomain))
	})

	discovery.GET("/nodeinfo/2.0", func(c *gin.Context) {
		info, err := GetNodeInfo(c.Request.Context(), store)
		if err != nil {
			writeLookupError(c, err)
			return
		}
		renderJSON(c, `application/json; profile="http://nodeinfo.diaspora.software/ns/schema/2.0#"`, info)
	})

	return g
}

func handleInbox(inbox InboxHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		status, err := inbox.HandleInbox(c.Request)
		if err != nil && status >= http.StatusBadRequest {
			c.JSON(status, gin.H{"error": inboxReason(status, err)})
			return
		}
		c.Status(status)
	}
}

// inboxReasons maps dispatcher errors to the text a remote peer sees. The
// more specific signature errors come before ErrSignatureInvalid.
var inboxReasons = []struct {
	err    error
	reason string
}{
	{activitypub.ErrSignatureMissing, "missing signature"},
	{activitypub.ErrSignatureExpired, "signature expired"},
	{activitypub.ErrDigestMismatch, "digest mismatch"},
	{activitypub.ErrMissingSignedHeader, "required header not signed"},
	{activitypub.ErrUnsupportedAlgorithm, "unsupported algorithm"},
	{activitypub.ErrKeyUnresolvable, "key unresolvable"},
	{activitypub.ErrSignatureInvalid, "invalid signature"},
	{activitypub.ErrAttributionMismatch, "attribution mismatch"},
	{db.ErrNotAuthor, "attribution mismatch"},
	{activitypub.ErrMalformed, "malformed activity"},
	{activitypub.ErrUnsupportedMediaType, "unsupported media type"},
	{activitypub.ErrPayloadTooLarge, "payload too large"},
	{activitypub.ErrUnknownTarget, "unknown target"},
	{activitypub.ErrDomainBlocked, "domain blocked"},
}

// inboxReason returns a short fixed reason for err. Resolver and network
// detail stay in the log.
func inboxReason(status int, err error) string {
	for _, r := range inboxReasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return http.StatusText(status)
}

// renderJSON writes v with the given content type. Render leaves an
// explicit Content-Type alone.
func renderJSON(c *gin.Context, contentType string, v any) {
	c.Header("Content-Type", contentType)
	c.Render(http.StatusOK, render.JSON{Data: v})
}

func writeLookupError(c *gin.Context, err error) {
	if errors.Is(err, errNoSuchActor) {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
		return
	}
	log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("Lookup failed")
	c.JSON(http.StatusInternalServerError, gin.H{"detail": "Internal Server Error"})
}

// Serve runs handler on addr until ctx is cancelled, then drains open
// requests.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Starting HTTP server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Stopping HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
