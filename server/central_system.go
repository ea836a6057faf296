package server

import (
	"evcore/consumption"
	"evcore/internal"
	"evcore/internal/config"
	"evcore/locks"
	"evcore/metrics"
	"evcore/migration"
	"evcore/ocpp"
	"evcore/ocpp/core"
	"evcore/telegram"
	"evcore/types"
	"evcore/utility"
	"fmt"
	"log"
	"os"
	"time"
)

type CentralSystem struct {
	conf        *config.Config
	server      *Server
	logger      internal.LogHandler
	coreHandler *SystemHandler
	lockManager *locks.Manager
	location    *time.Location
}

func (cs *CentralSystem) SetCoreHandler(handler *SystemHandler) {
	cs.coreHandler = handler
}

func (cs *CentralSystem) handleIncomingMessage(ws *WebSocket, data []byte) error {
	tenant := ws.Tenant()
	chargePointId := ws.ID()
	message, err := utility.ParseJson(data)
	if err != nil {
		return cs.server.SendError(ws, CreateCallError("", ErrorCodeFormationViolation, err.Error()))
	}
	callType, err := MessageType(message)
	if err != nil {
		return cs.server.SendError(ws, CreateCallError("", ErrorCodeProtocolError, err.Error()))
	}
	if callType != CallTypeRequest {
		cs.logger.Warn(fmt.Sprintf("unexpected message type %v from charge point %s", callType, chargePointId))
		return nil
	}
	callRequest, err := ParseRequest(message)
	if err != nil {
		uniqueId := ""
		if len(message) > 1 {
			if id, ok := message[1].(string); ok {
				uniqueId = id
			}
		}
		return cs.server.SendError(ws, CreateCallError(uniqueId, ErrorCodeNotSupported, err.Error()))
	}
	ws.SetUniqueId(callRequest.UniqueId)

	request := callRequest.Payload
	action := request.GetFeatureName()

	// semantic validation happens before any state is touched
	if err = request.Validate(); err != nil {
		cs.logger.Warn(fmt.Sprintf("%s: invalid request from %s: %s", action, chargePointId, err))
		return cs.server.SendError(ws, CreateCallError(callRequest.UniqueId, ErrorCodeProtocolError, err.Error()))
	}

	var confirmation ocpp.Response
	switch action {
	case core.BootNotificationFeatureName:
		confirmation, err = cs.coreHandler.OnBootNotification(tenant, chargePointId, request.(*core.BootNotificationRequest))
	case core.AuthorizeFeatureName:
		confirmation, err = cs.coreHandler.OnAuthorize(tenant, chargePointId, request.(*core.AuthorizeRequest))
	case core.HeartbeatFeatureName:
		confirmation, err = cs.coreHandler.OnHeartbeat(tenant, chargePointId, request.(*core.HeartbeatRequest))
	case core.StartTransactionFeatureName:
		confirmation, err = cs.coreHandler.OnStartTransaction(tenant, chargePointId, request.(*core.StartTransactionRequest))
	case core.StopTransactionFeatureName:
		confirmation, err = cs.coreHandler.OnStopTransaction(tenant, chargePointId, request.(*core.StopTransactionRequest))
	case core.MeterValuesFeatureName:
		confirmation, err = cs.coreHandler.OnMeterValues(tenant, chargePointId, request.(*core.MeterValuesRequest))
	case core.StatusNotificationFeatureName:
		confirmation, err = cs.coreHandler.OnStatusNotification(tenant, chargePointId, request.(*core.StatusNotificationRequest))
	default:
		err = fmt.Errorf("feature not supported: %s", action)
	}
	if err != nil {
		return cs.server.SendError(ws, CreateCallError(callRequest.UniqueId, ErrorCodeInternalError, err.Error()))
	}

	if ws.IsClosed() {
		cs.logger.FeatureEvent(action, chargePointId, "websocket closed, response not sent")
		return nil
	}
	return cs.server.SendResponse(ws, CreateCallResult(confirmation, callRequest.UniqueId))
}

func (cs *CentralSystem) Start() {

	go func() {
		if err := metrics.Listen(cs.conf); err != nil {
			cs.logger.Error("metrics server failed", err)
		}
	}()

	go func() {
		if err := cs.server.Start(); err != nil {
			cs.logger.Error("websocket server failed", err)
		}
	}()

	select {}
}

func NewCentralSystem(conf *config.Config) (CentralSystem, error) {
	cs := CentralSystem{conf: conf}

	log.Println("set time zone to " + conf.TimeZone)
	location, err := time.LoadLocation(conf.TimeZone)
	if err != nil {
		return cs, fmt.Errorf("time zone initialization failed: %s", err)
	}
	cs.location = location

	var database internal.Database
	var mongoClient *internal.MongoDB
	if conf.Mongo.Enabled {
		mongoClient, err = internal.NewMongoClient(conf)
		if err != nil {
			return cs, fmt.Errorf("mongodb setup failed: %s", err)
		}
		database = mongoClient
		log.Println("mongodb is configured and enabled")
	} else {
		log.Println("database is disabled")
	}

	logService := internal.NewLogger(location)
	logService.SetDebugMode(conf.IsDebug)
	logService.SetDatabase(database)
	cs.logger = logService

	hostname, err := os.Hostname()
	if err != nil {
		return cs, fmt.Errorf("host identity lookup failed: %s", err)
	}
	var lockManager *locks.Manager
	if mongoClient != nil {
		lockManager = locks.NewManager(mongoClient, hostname, time.Duration(conf.Locks.TTLSeconds)*time.Second)
		lockManager.SetLogger(logService)
		// leases of a crashed previous instance on this host would otherwise
		// block until expiry
		if err = lockManager.CleanupOwnedLocks(); err != nil {
			return cs, fmt.Errorf("lock cleanup failed: %s", err)
		}
	}
	cs.lockManager = lockManager

	if conf.Migrations.Enabled && mongoClient != nil {
		executor := migration.NewExecutor(mongoClient, lockManager, logService)
		executor.SetAsyncDelay(time.Duration(conf.Migrations.AsyncDelaySeconds) * time.Second)
		executor.Register(
			migration.NewUserTagSourceTask(database, conf.Tenants),
			migration.NewTransactionTariffTask(database, conf.Tenants),
		)
		if err = executor.Run(); err != nil {
			return cs, fmt.Errorf("migrations failed: %s", err)
		}
	}

	tariffs := NewTariffResolver(conf.Consumption.DefaultPricePerKwh)
	tariffs.SetDatabase(database)
	tariffs.SetLogger(logService)

	systemHandler := NewSystemHandler()
	systemHandler.SetDatabase(database)
	systemHandler.SetLogger(logService)
	systemHandler.SetTariffService(tariffs)
	systemHandler.SetLockManager(lockManager)
	systemHandler.SetTenants(conf.Tenants)
	systemHandler.SetParameters(conf.IsDebug, conf.AcceptUnknownTag, conf.AcceptUnknownChp)
	systemHandler.SetInactivityThresholds(consumption.Thresholds{
		Warning: conf.Consumption.InactivityWarning,
		Danger:  conf.Consumption.InactivityDanger,
	})

	if conf.Telegram.Enabled {
		telegramBot, err := telegram.NewBot(conf.Telegram.ApiKey)
		if err != nil {
			return cs, fmt.Errorf("telegram bot setup failed: %s", err)
		}
		telegramBot.SetDatabase(database)
		telegramBot.SetTenants(conf.Tenants)
		telegramBot.Start()
		systemHandler.SetEventHandler(telegramBot)
		log.Println("telegram bot is configured and enabled")
	}

	wsServer := NewServer(conf, logService)
	wsServer.AddSupportedSubProtocol(types.SubProtocol16)
	wsServer.SetMessageHandler(cs.handleIncomingMessage)
	cs.server = wsServer

	err = systemHandler.OnStart()
	if err != nil {
		return cs, err
	}
	cs.SetCoreHandler(&systemHandler)

	return cs, nil
}
