package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/isomoes/mvideo/internal/api/assets"
	"github.com/isomoes/mvideo/internal/api/util"
	"github.com/isomoes/mvideo/internal/api/watch"
	"github.com/isomoes/mvideo/internal/http/websocket"
	"github.com/isomoes/mvideo/internal/metrics"
	"github.com/isomoes/mvideo/pkg/logger"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var log = logger.Get("API")

const apiRoot = "/api/v1"

type (
	RestConfig struct {
		HostAddr string `yaml:"host" env:"HOST_ADDR" env-default:"0.0.0.0" validate:"required"`
		HostPort string `yaml:"port" env:"HOST_PORT" env-default:"8080" validate:"required,numeric"`
	}

	controller interface {
		SetRoutes(*echo.Group)
	}

	// AssetStore is the union of the store requirements of the
	// gateway and it's controllers.
	AssetStore interface {
		assets.Store
	}

	// WatchService is the watch folder, which may be nil if the
	// watch folder is disabled.
	WatchService interface {
		watch.Service
	}

	// The RestGateway is a thin-wrapper around the Echo HTTP router. It's sole responsibility
	// is to create the routes exposed by the server and to manage ongoing web socket
	// connections and the broadcasting of activity to them.
	RestGateway struct {
		*broadcaster
		config          *RestConfig
		ec              *echo.Echo
		socket          *websocket.SocketHub
		assetController *assets.Controller
		watchController controller
	}
)

func (config *RestConfig) Addr() string {
	return net.JoinHostPort(config.HostAddr, config.HostPort)
}

// NewRestGateway constructs the Echo router and populates it with all the
// routes defined by the various controllers. The watch service is optional.
func NewRestGateway(
	config *RestConfig,
	ingester assets.Ingester,
	renderer assets.Renderer,
	store AssetStore,
	watchService WatchService,
) *RestGateway {
	ec := echo.New()
	ec.OnAddRouteHandler = func(host string, route echo.Route, handler echo.HandlerFunc, middleware []echo.MiddlewareFunc) {
		log.Emit(logger.DEBUG, "Registered new route %s %s\n", route.Method, route.Path)
	}
	ec.HidePort = true
	ec.HideBanner = true
	ec.HTTPErrorHandler = httpErrorHandler()

	validate := validator.New()
	socket := websocket.New()
	gateway := &RestGateway{
		broadcaster:     newBroadcaster(socket, store, watchService),
		config:          config,
		ec:              ec,
		socket:          socket,
		assetController: assets.New(validate, ingester, renderer, store),
	}

	ec.Use(middleware.Recover())
	ec.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:       true,
		LogStatus:    true,
		LogMethod:    true,
		LogLatency:   true,
		LogRoutePath: true,
		LogValuesFunc: func(ec echo.Context, v middleware.RequestLoggerValues) error {
			log.Emit(logger.VERBOSE, "%s %s -> %d (%s)\n", v.Method, v.URI, v.Status, v.Latency)
			metrics.HTTPRequestsTotal.WithLabelValues(v.Method, v.RoutePath, strconv.Itoa(v.Status)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(v.Method, v.RoutePath).Observe(v.Latency.Seconds())
			return nil
		},
	}))
	ec.Pre(middleware.AddTrailingSlash())

	ec.GET(apiRoot+"/activity/ws/", func(ec echo.Context) error {
		gateway.socket.UpgradeToSocket(ec.Response(), ec.Request())
		return nil
	})
	ec.GET("/metrics/", echo.WrapHandler(promhttp.Handler()))

	projectAssets := ec.Group(apiRoot + "/projects/:projectId/assets")
	gateway.assetController.SetRoutes(projectAssets)

	globalAssets := ec.Group(apiRoot + "/assets")
	gateway.assetController.SetGlobalRoutes(globalAssets)

	if watchService != nil {
		gateway.watchController = watch.New(watchService)
		gateway.watchController.SetRoutes(ec.Group(apiRoot + "/watch"))
		gateway.bindWatchCommands(watchService)
	}
	gateway.bindAssetCommands(store)

	return gateway
}

// ServeHTTP allows the gateway to be mounted as a http.Handler, without
// starting a listener.
func (gateway *RestGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	gateway.ec.ServeHTTP(w, r)
}

func (gateway *RestGateway) Run(parentCtx context.Context) error {
	ctx, ctxCancel := context.WithCancelCause(parentCtx)
	wg := &sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Emit(logger.NEW, "Starting HTTP server on %s\n", gateway.config.Addr())
		if err := gateway.ec.Start(gateway.config.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ctxCancel(err)
		}
	}()

	// Shutdown the router once the context is cancelled, allowing
	// in-flight requests a short grace period
	go func(ec *echo.Echo) {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := ec.Shutdown(shutdownCtx); err != nil {
			log.Emit(logger.WARNING, "HTTP server did not shutdown cleanly: %v\n", err)
		}
	}(gateway.ec)

	wg.Add(1)
	go func() {
		defer wg.Done()
		gateway.socket.Start(ctx)
	}()

	wg.Wait()

	// Return cancellation cause if any, otherwise nil as parent context
	// cancellation is not an error case we should report.
	if cause := context.Cause(ctx); cause != ctx.Err() {
		return cause
	}

	return nil
}

func (gateway *RestGateway) bindWatchCommands(watchService WatchService) {
	gateway.socket.WithConnectionCallback(func() map[string]interface{} {
		return map[string]interface{}{"watchItems": util.ApplyConversion(watchService.GetAllItems(), watch.NewDto)}
	})

	gateway.socket.BindCommand("WATCH_ITEMS", func(hub *websocket.SocketHub, message *websocket.SocketMessage) error {
		items := util.ApplyConversion(watchService.GetAllItems(), watch.NewDto)
		hub.Send(message.FormReply("COMMAND_SUCCESS", map[string]interface{}{"payload": items}, websocket.Response))
		return nil
	})

	gateway.socket.BindCommand("WATCH_RETRY", func(hub *websocket.SocketHub, message *websocket.SocketMessage) error {
		if err := message.ValidateArguments(map[string]string{"id": "uuid"}); err != nil {
			return err
		}

		//nolint:forcetypeassert
		if err := watchService.RetryItem(uuid.MustParse(message.Body["id"].(string))); err != nil {
			return err
		}

		hub.Send(message.FormReply("COMMAND_SUCCESS", nil, websocket.Response))
		return nil
	})
}

func (gateway *RestGateway) bindAssetCommands(store AssetStore) {
	gateway.socket.BindCommand("ASSET_GET", func(hub *websocket.SocketHub, message *websocket.SocketMessage) error {
		if err := message.ValidateArguments(map[string]string{"projectId": "string", "assetId": "string"}); err != nil {
			return err
		}

		//nolint:forcetypeassert
		projectID, assetID := message.Body["projectId"].(string), message.Body["assetId"].(string)
		record, err := store.GetAssetByCompositeKey(projectID, assetID)
		if err != nil {
			return err
		} else if record == nil {
			return fmt.Errorf("asset %s/%s not found", projectID, assetID)
		}

		hub.Send(message.FormReply("COMMAND_SUCCESS", map[string]interface{}{"payload": record}, websocket.Response))
		return nil
	})
}
