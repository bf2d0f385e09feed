package main

import (
	"context"
	"errors"
	"io"
	"log"
	"maguey/src/admissions"
	"maguey/src/boot"
	"maguey/src/common"
	"maguey/src/config"
	"maguey/src/errs"
	"maguey/src/lib"
	"maguey/src/middlewares"
	"maguey/src/notifier"
	"maguey/src/reservations"
	"net/http"
	"os"
	"os/signal"
	"path"
	"regexp"
	"strconv"
	"syscall"
	"time"

	"github.com/covalenthq/lumberjack"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"gorm.io/gorm"
)

const apiPrefix = "/api/v1"

// services are the components every handler group draws from.
type services struct {
	engine    *reservations.Engine
	processor *admissions.Processor
	hub       *notifier.Hub
	payments  *common.PaymentConfirmations
}

func newServices(d *gorm.DB, emitter notifier.Emitter, hub *notifier.Hub) *services {
	engine := reservations.New(d, reservations.WithNotifier(emitter))
	return &services{
		engine:    engine,
		processor: admissions.NewProcessor(d, admissions.WithNotifier(emitter)),
		hub:       hub,
		payments:  &common.PaymentConfirmations{Engine: engine},
	}
}

func setupRouter() *gin.Engine {
	router := gin.Default()
	router.Use(secureHeaders)
	router.GET("/", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, "ok")
	})
	return router
}

func secureHeaders(ctx *gin.Context) {
	ctx.Header("X-Content-Type-Options", "nosniff")
	ctx.Header("X-Frame-Options", "DENY")
	ctx.Header("Referrer-Policy", "no-referrer")
}

func maintenanceModeMiddleware(g *gin.Engine) *gin.Engine {
	g.Use(func(ctx *gin.Context) {
		mm := os.Getenv("MAINTENANCE_MODE")
		if mm == "" {
			return
		}
		on, err := strconv.ParseBool(mm)
		if err != nil || on {
			err := errors.New("server is under maintenance")
			log.Println(err.Error())
			ctx.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
	})
	return g
}

func apiv1Group(g *gin.Engine) *gin.RouterGroup {
	return g.Group(apiPrefix)
}

func corsMiddleware() gin.HandlerFunc {
	if config.IsLocal() {
		return cors.Default()
	}
	appHost := os.Getenv("APP_HOST")
	cc := cors.DefaultConfig()
	cc.AllowMethods = append(cc.AllowMethods, "GET", "POST", "PUT", "HEAD")
	cc.AllowHeaders = append(cc.AllowHeaders, "Origin", "Authorization")
	cc.AllowOriginFunc = func(origin string) bool {
		if appHost != "" {
			if match, _ := regexp.MatchString(appHost, origin); match {
				return true
			}
		}
		match, _ := regexp.MatchString("app:scanner", origin)
		return match
	}
	cc.AllowCredentials = true
	return cors.New(cc)
}

// abortWithError maps err onto the error taxonomy. Internal details stay in
// the log.
func abortWithError(ctx *gin.Context, err error) {
	status := errs.HTTPStatus(err)
	body := gin.H{"error": errs.Public(err), "code": errs.Code(err)}
	if errors.Is(err, errs.ErrValidation) {
		body["detail"] = err.Error()
	}
	if status >= http.StatusInternalServerError {
		log.Printf("[%s %s] %s\n", ctx.Request.Method, ctx.FullPath(), err.Error())
	}
	ctx.AbortWithStatusJSON(status, body)
}

func bindError(ctx *gin.Context, err error) {
	log.Printf("Error in validating request: %s\n", err.Error())
	ctx.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": errs.Code(errs.ErrValidation)})
}

func registerRoutes(router *gin.Engine, svc *services, auth gin.HandlerFunc) {
	router = maintenanceModeMiddleware(router)
	stripeWebhookRoute(router, svc)

	authorized := apiv1Group(router)
	authorized.Use(auth)
	authHandlers(authorized)
	eventHandlers(authorized, svc)
	reservationHandlers(authorized, svc)
	ticketHandlers(authorized, svc)
	admissionHandlers(authorized, svc)
}

func initLogger() {
	cwd, _ := os.Getwd()
	logsDir := path.Join(cwd, "logs")
	os.MkdirAll(logsDir, 0o755)
	if f, err := os.Create(path.Join(logsDir, "api.log")); err == nil {
		gin.DefaultWriter = io.MultiWriter(f, os.Stdout)
	}
	log.SetOutput(io.MultiWriter(os.Stderr, &lumberjack.Logger{
		Filename:   path.Join(logsDir, "server.log"),
		MaxSize:    500,
		MaxBackups: 3,
		MaxAge:     30,
		Compress:   true,
	}))
}

func main() {
	if config.IsLocal() {
		cwd, _ := os.Getwd()
		if err := godotenv.Load(path.Join(cwd, ".env")); err != nil {
			panic(err)
		}
	}
	initLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	boot.LoadSecrets(ctx)
	d := boot.InitDb()
	n, hub := boot.InitNotifier(ctx)
	defer n.Close()

	if lib.GetRedisClient() != nil && !lib.PingRedis(ctx) {
		log.Println("Redis is configured but unreachable. Pass image cache and token revocation are degraded")
	}

	svc := newServices(d, n, hub)
	boot.InitScheduler(svc.engine)
	common.Consumers(ctx, svc.payments)

	router := setupRouter()
	router.Use(corsMiddleware())
	registerRoutes(router, svc, middlewares.AuthMiddleware)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	srv := &http.Server{Addr: ":" + port, Handler: router}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %s\n", err.Error())
		}
	}()
	log.Printf("API listening on :%s\n", port)

	<-ctx.Done()
	shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdown); err != nil {
		log.Printf("Error shutting down: %s\n", err.Error())
	}
	boot.StopScheduler()
}
