package server

import (
	"evcore/consumption"
	"evcore/internal"
	"evcore/locks"
	"evcore/metrics/counters"
	"evcore/models"
	"evcore/ocpp/core"
	"evcore/types"
	"evcore/utility"
	"fmt"
	"sync"
	"time"
)

const defaultHeartbeatInterval = 600

type transactionState struct {
	transaction *models.Transaction
	engine      *consumption.Engine
}

type ChargePointState struct {
	status       core.ChargePointStatus
	errorCode    core.ChargePointErrorCode
	connectors   map[int]*models.Connector // No assumptions about the # of connectors
	transactions map[int]*transactionState
	model        models.ChargePoint
}

// SystemHandler keeps the per-tenant registry of connected devices and runs
// the transaction lifecycle. The registry is a cache: any decision spanning
// more than one storage call is taken under a distributed lock with the
// authoritative state re-read after acquisition.
type SystemHandler struct {
	chargePoints map[string]*ChargePointState
	database     internal.Database
	logger       internal.LogHandler
	eventHandler internal.EventHandler
	tariffs      internal.TariffService
	locks        *locks.Manager
	tenants      []string
	acceptTags   bool
	acceptPoints bool
	debug        bool
	thresholds   consumption.Thresholds
	mux          *sync.Mutex
}

func NewSystemHandler() SystemHandler {
	handler := SystemHandler{
		chargePoints: make(map[string]*ChargePointState),
		tenants:      []string{""},
		mux:          &sync.Mutex{},
	}
	return handler
}

func (h *SystemHandler) SetDatabase(database internal.Database) {
	h.database = database
}

func (h *SystemHandler) SetLogger(logger internal.LogHandler) {
	h.logger = logger
}

func (h *SystemHandler) SetEventHandler(eventHandler internal.EventHandler) {
	h.eventHandler = eventHandler
}

func (h *SystemHandler) SetTariffService(tariffs internal.TariffService) {
	h.tariffs = tariffs
}

func (h *SystemHandler) SetLockManager(manager *locks.Manager) {
	h.locks = manager
}

func (h *SystemHandler) SetTenants(tenants []string) {
	if len(tenants) > 0 {
		h.tenants = tenants
	}
}

// SetParameters sets the registration policy for unknown devices and tags
func (h *SystemHandler) SetParameters(debug bool, acceptTags bool, acceptPoints bool) {
	h.debug = debug
	h.acceptTags = acceptTags
	h.acceptPoints = acceptPoints
}

func (h *SystemHandler) SetInactivityThresholds(thresholds consumption.Thresholds) {
	h.thresholds = thresholds
}

func stateKey(tenant, chargePointId string) string {
	return tenant + "/" + chargePointId
}

func metricsTenant(tenant string) string {
	if tenant == "" {
		return "default"
	}
	return tenant
}

func (h *SystemHandler) OnStart() error {
	if h.database == nil {
		return nil
	}
	for _, tenant := range h.tenants {

		chargePoints, err := h.database.GetChargePoints(tenant)
		if err != nil {
			return fmt.Errorf("load charge points of tenant %s: %w", tenant, err)
		}

		connectors, err := h.database.GetConnectors(tenant)
		if err != nil {
			return fmt.Errorf("load connectors of tenant %s: %w", tenant, err)
		}

		for _, cp := range chargePoints {
			state := &ChargePointState{
				connectors:   make(map[int]*models.Connector),
				transactions: make(map[int]*transactionState),
				model:        cp,
			}
			state.status = core.GetStatus(cp.Status)
			state.errorCode = core.GetErrorCode(cp.ErrorCode)
			if !cp.IsEnabled {
				state.status = core.ChargePointStatusUnavailable
			}
			for _, c := range connectors {
				if c.ChargePointId == cp.Id {
					c.Init()
					state.connectors[c.Id] = c
				}
			}
			h.chargePoints[stateKey(tenant, cp.Id)] = state
		}
		h.logger.Debug(fmt.Sprintf("tenant %s: loaded %d charge points, %d connectors", metricsTenant(tenant), len(chargePoints), len(connectors)))

		// resume sessions that were live when the previous instance stopped
		unfinished, err := h.database.GetUnfinishedTransactions(tenant)
		if err != nil {
			h.logger.Error("load unfinished transactions", err)
			continue
		}
		for _, transaction := range unfinished {
			transaction.Init()
			state, ok := h.chargePoints[stateKey(tenant, transaction.ChargePointId)]
			if !ok {
				h.logger.Warn(fmt.Sprintf("transaction #%d belongs to unknown charge point %s", transaction.Id, transaction.ChargePointId))
				continue
			}
			engine := consumption.Restore(transaction, transaction.PricePerKwh, h.thresholds)
			state.transactions[transaction.Id] = &transactionState{transaction: transaction, engine: engine}
			connector := h.getConnector(tenant, state, transaction.ConnectorId)
			connector.CurrentTransactionId = transaction.Id
		}
		if len(unfinished) > 0 {
			h.logger.Debug(fmt.Sprintf("tenant %s: resumed %d unfinished transactions", metricsTenant(tenant), len(unfinished)))
		}
	}
	return nil
}

func (h *SystemHandler) addChargePoint(tenant, chargePointId string) {
	cp := models.ChargePoint{
		Id:        chargePointId,
		Tenant:    tenant,
		IsEnabled: true,
		Status:    string(core.ChargePointStatusAvailable),
		ErrorCode: string(core.NoError),
	}
	if h.database != nil {
		err := h.database.AddChargePoint(tenant, &cp)
		if err != nil {
			h.logger.Error("add charge point to database", err)
		}
	}
	h.chargePoints[stateKey(tenant, chargePointId)] = &ChargePointState{
		connectors:   make(map[int]*models.Connector),
		transactions: make(map[int]*transactionState),
		model:        cp,
	}
}

func (h *SystemHandler) getConnector(tenant string, cps *ChargePointState, id int) *models.Connector {
	connector, ok := cps.connectors[id]
	if !ok {
		connector = models.NewConnector(id, cps.model.Id)
		cps.connectors[id] = connector
		if h.database != nil {
			err := h.database.AddConnector(tenant, connector)
			if err != nil {
				h.logger.Error("add connector to database", err)
			}
		}
	}
	return connector
}

func (h *SystemHandler) getChargePoint(tenant, chargePointId string) (*ChargePointState, bool) {
	h.mux.Lock()
	defer h.mux.Unlock()
	state, ok := h.chargePoints[stateKey(tenant, chargePointId)]
	if !ok {
		h.logger.Warn(fmt.Sprintf("unknown charging point: %s", chargePointId))
		if h.acceptPoints {
			h.logger.Debug("registering new charge point")
			h.addChargePoint(tenant, chargePointId)
			state, ok = h.chargePoints[stateKey(tenant, chargePointId)]
		}
	}
	return state, ok
}

// normalizeConnectorId repairs the zero connector id some devices send for
// transaction requests. On a known single-connector device zero means the
// only connector; the repair is logged, never rejected.
func (h *SystemHandler) normalizeConnectorId(tenant, chargePointId string, state *ChargePointState, connectorId int, feature string) int {
	if connectorId != 0 {
		return connectorId
	}
	if len(state.connectors) > 1 {
		return connectorId
	}
	h.logger.Warn(fmt.Sprintf("%s: %s sent connector 0, treating as connector 1", feature, chargePointId))
	counters.CountRepairedAnomaly(metricsTenant(tenant), chargePointId, "connector_zero")
	h.notifyAnomaly(tenant, chargePointId, 0, fmt.Sprintf("%s: connector 0 normalized to 1", feature))
	return 1
}

// acquireLock takes the distributed lease. A storage failure counts as not
// acquired: proceeding unprotected is never an option. Without a lock manager
// the process runs standalone and the in-process connector mutex suffices.
func (h *SystemHandler) acquireLock(lock *models.Lock) (bool, func()) {
	if h.locks == nil {
		return true, func() {}
	}
	acquired, err := h.locks.Acquire(lock)
	if err != nil {
		h.logger.Error("acquire lock", err)
	}
	counters.CountLockAttempt(lock.EntityType, acquired)
	if !acquired {
		return false, func() {}
	}
	return true, func() {
		if err := h.locks.Release(lock); err != nil {
			h.logger.Error("release lock", err)
		}
	}
}

func (h *SystemHandler) notifyAnomaly(tenant, chargePointId string, transactionId int, info string) {
	if h.eventHandler == nil {
		return
	}
	h.eventHandler.OnAnomaly(&internal.EventMessage{
		Type:          "anomaly",
		Tenant:        tenant,
		ChargePointId: chargePointId,
		Time:          time.Now(),
		TransactionId: transactionId,
		Info:          info,
	})
}

func (h *SystemHandler) OnBootNotification(tenant, chargePointId string, request *core.BootNotificationRequest) (*core.BootNotificationResponse, error) {
	regStatus := core.RegistrationStatusAccepted
	state, ok := h.getChargePoint(tenant, chargePointId)
	if ok {
		if h.database != nil {
			if state.model.SerialNumber != request.ChargePointSerialNumber || state.model.FirmwareVersion != request.FirmwareVersion {
				state.model.SerialNumber = request.ChargePointSerialNumber
				state.model.FirmwareVersion = request.FirmwareVersion
				state.model.Model = request.ChargePointModel
				state.model.Vendor = request.ChargePointVendor
				err := h.database.UpdateChargePoint(tenant, &state.model)
				if err != nil {
					h.logger.Error("update charge point", err)
				}
			}
		}
	} else {
		regStatus = core.RegistrationStatusRejected
		h.logger.Debug(fmt.Sprintf("charge point %s not registered", chargePointId))
	}

	h.logger.FeatureEvent(request.GetFeatureName(), chargePointId, string(regStatus))
	return core.NewBootNotificationResponse(types.NewDateTime(time.Now()), defaultHeartbeatInterval, regStatus), nil
}

func (h *SystemHandler) OnAuthorize(tenant, chargePointId string, request *core.AuthorizeRequest) (*core.AuthorizeResponse, error) {
	authStatus := types.AuthorizationStatusAccepted
	state, ok := h.getChargePoint(tenant, chargePointId)
	if !ok || !state.model.IsEnabled {
		authStatus = types.AuthorizationStatusBlocked
	}
	username := ""
	id := request.IdTag
	if id == "" {
		authStatus = types.AuthorizationStatusInvalid
	} else if h.database != nil && authStatus == types.AuthorizationStatusAccepted {
		authStatus, username = h.authorizeTag(tenant, id)
	}

	if h.eventHandler != nil {
		h.eventHandler.OnAuthorize(&internal.EventMessage{
			Type:          "authorize",
			Tenant:        tenant,
			ChargePointId: chargePointId,
			Time:          time.Now(),
			Username:      username,
			IdTag:         id,
			Status:        string(authStatus),
			Payload:       request,
		})
	}

	h.logger.FeatureEvent(request.GetFeatureName(), chargePointId, fmt.Sprintf("id tag: %s; authorization status: %s", id, authStatus))
	return core.NewAuthorizationResponse(types.NewIdTagInfo(authStatus)), nil
}

// authorizeTag resolves the tag against the tenant's registry. Unknown tags
// are registered disabled unless the unknown-tag policy accepts them.
func (h *SystemHandler) authorizeTag(tenant, idTag string) (types.AuthorizationStatus, string) {
	_, plain := models.SplitIdTag(idTag)
	userTag, err := h.database.GetUserTag(tenant, plain)
	if err != nil {
		h.logger.Error("get user tag from database", err)
		return types.AuthorizationStatusBlocked, ""
	}
	if userTag == nil {
		userTag = models.NewUserTag(idTag)
		userTag.IsEnabled = h.acceptTags
		userTag.DateRegistered = time.Now()
		if err = h.database.AddUserTag(tenant, userTag); err != nil {
			h.logger.Error("add user tag to database", err)
		}
	}
	userTag.LastSeen = time.Now()
	if err = h.database.UpdateTagLastSeen(tenant, userTag); err != nil {
		h.logger.Error("update tag last seen", err)
	}
	if !userTag.IsEnabled {
		return types.AuthorizationStatusBlocked, userTag.Username
	}
	return types.AuthorizationStatusAccepted, userTag.Username
}

func (h *SystemHandler) OnHeartbeat(tenant, chargePointId string, request *core.HeartbeatRequest) (*core.HeartbeatResponse, error) {
	_, _ = h.getChargePoint(tenant, chargePointId)
	h.logger.FeatureEvent(request.GetFeatureName(), chargePointId, fmt.Sprintf("%v", time.Now()))
	return core.NewHeartbeatResponse(types.NewDateTime(time.Now())), nil
}

func (h *SystemHandler) OnStartTransaction(tenant, chargePointId string, request *core.StartTransactionRequest) (*core.StartTransactionResponse, error) {
	state, ok := h.getChargePoint(tenant, chargePointId)
	if !ok {
		return core.NewStartTransactionResponse(types.NewIdTagInfo(types.AuthorizationStatusInvalid), 0), nil
	}
	connectorId := h.normalizeConnectorId(tenant, chargePointId, state, request.ConnectorId, request.GetFeatureName())
	if connectorId == 0 {
		h.logger.Warn(fmt.Sprintf("start rejected: connector 0 on multi-connector device %s", chargePointId))
		return core.NewStartTransactionResponse(types.NewIdTagInfo(types.AuthorizationStatusInvalid), 0), nil
	}
	// connectors are registered by boot and status notifications; a start on
	// an index the device never reported is rejected, not auto-created
	connector, ok := state.connectors[connectorId]
	if !ok {
		h.logger.Warn(fmt.Sprintf("start rejected: connector %d is not registered on %s", connectorId, chargePointId))
		return core.NewStartTransactionResponse(types.NewIdTagInfo(types.AuthorizationStatusInvalid), 0), nil
	}

	authStatus := types.AuthorizationStatusAccepted
	username := ""
	if h.database != nil {
		authStatus, username = h.authorizeTag(tenant, request.IdTag)
	}
	if authStatus != types.AuthorizationStatusAccepted {
		h.logger.FeatureEvent(request.GetFeatureName(), chargePointId, fmt.Sprintf("start rejected for tag %s: %s", request.IdTag, authStatus))
		return core.NewStartTransactionResponse(types.NewIdTagInfo(authStatus), 0), nil
	}

	lock := models.NewLock(tenant, "connector", fmt.Sprintf("%s:%d", chargePointId, connectorId), "start-transaction")
	acquired, release := h.acquireLock(lock)
	if !acquired {
		h.logger.FeatureEvent(request.GetFeatureName(), chargePointId, fmt.Sprintf("connector %d is locked by another operation", connectorId))
		return core.NewStartTransactionResponse(types.NewIdTagInfo(types.AuthorizationStatusConcurrentTx), 0), nil
	}
	defer release()

	connector.Lock()
	defer connector.Unlock()
	// the registry is a cache; another process may have started a session on
	// this connector, so the authoritative state is re-read under the lock
	if h.database != nil {
		stored, err := h.database.GetConnector(tenant, connectorId, chargePointId)
		if err != nil {
			return nil, fmt.Errorf("read connector %d of %s: %w", connectorId, chargePointId, err)
		}
		if stored != nil {
			connector.CurrentTransactionId = stored.CurrentTransactionId
			connector.CurrentIdTag = stored.CurrentIdTag
		}
	}
	if connector.CurrentTransactionId >= 0 {
		h.logger.FeatureEvent(request.GetFeatureName(), chargePointId, fmt.Sprintf("connector %d is busy with transaction %d", connectorId, connector.CurrentTransactionId))
		return core.NewStartTransactionResponse(types.NewIdTagInfo(types.AuthorizationStatusConcurrentTx), connector.CurrentTransactionId), nil
	}

	transactionId := 1
	if h.database != nil {
		last, err := h.database.GetLastTransaction(tenant)
		if err != nil {
			return nil, fmt.Errorf("allocate transaction id: %w", err)
		}
		if last != nil {
			transactionId = last.Id + 1
		}
	}

	pricePerKwh := 0.0
	if h.tariffs != nil {
		pricePerKwh = h.tariffs.PricePerKwh(tenant, chargePointId)
	}

	_, plainTag := models.SplitIdTag(request.IdTag)
	transaction := &models.Transaction{
		Id:            transactionId,
		SessionId:     utility.NewUUID(),
		IdTag:         plainTag,
		Username:      username,
		IsFinished:    false,
		ConnectorId:   connectorId,
		ChargePointId: chargePointId,
		MeterStart:    request.MeterStart,
		TimeStart:     request.Timestamp.Time,
		PricePerKwh:   pricePerKwh,
	}
	transaction.Init()

	connector.CurrentTransactionId = transaction.Id
	connector.CurrentIdTag = transaction.IdTag

	// a failed write means the device must receive an internal error and
	// retry; answering Accepted over unpersisted state would lose the session
	if h.database != nil {
		if err := h.database.UpdateConnector(tenant, connector); err != nil {
			connector.CurrentTransactionId = -1
			connector.CurrentIdTag = ""
			return nil, fmt.Errorf("update connector %d of %s: %w", connectorId, chargePointId, err)
		}
		if err := h.database.AddTransaction(tenant, transaction); err != nil {
			connector.CurrentTransactionId = -1
			connector.CurrentIdTag = ""
			if uerr := h.database.UpdateConnector(tenant, connector); uerr != nil {
				h.logger.Error("release connector after failed insert", uerr)
			}
			return nil, fmt.Errorf("persist transaction #%d: %w", transaction.Id, err)
		}
	}

	state.transactions[transaction.Id] = &transactionState{
		transaction: transaction,
		engine:      consumption.NewEngine(transaction.MeterStart, transaction.TimeStart, pricePerKwh, h.thresholds),
	}

	counters.CountTransaction(metricsTenant(tenant), chargePointId)
	counters.ObserveTransactions(metricsTenant(tenant), len(state.transactions))

	if h.eventHandler != nil {
		h.eventHandler.OnTransactionStart(&internal.EventMessage{
			Type:          "transaction-start",
			Tenant:        tenant,
			ChargePointId: chargePointId,
			ConnectorId:   transaction.ConnectorId,
			Time:          transaction.TimeStart,
			Username:      transaction.Username,
			IdTag:         transaction.IdTag,
			Status:        connector.Status,
			TransactionId: transaction.Id,
			Payload:       request,
		})
	}

	h.logger.FeatureEvent(request.GetFeatureName(), chargePointId, fmt.Sprintf("started transaction #%v for connector %v", transaction.Id, transaction.ConnectorId))
	return core.NewStartTransactionResponse(types.NewIdTagInfo(types.AuthorizationStatusAccepted), transaction.Id), nil
}

// findTransaction returns the live session state, rehydrating it from storage
// when the in-memory registry has no entry, such as after a restart.
func (h *SystemHandler) findTransaction(tenant string, state *ChargePointState, transactionId int) *transactionState {
	ts, ok := state.transactions[transactionId]
	if ok {
		return ts
	}
	if h.database == nil {
		return nil
	}
	transaction, err := h.database.GetTransaction(tenant, transactionId)
	if err != nil || transaction == nil {
		return nil
	}
	transaction.Init()
	ts = &transactionState{
		transaction: transaction,
		engine:      consumption.Restore(transaction, transaction.PricePerKwh, h.thresholds),
	}
	// finished transactions are looked up for replayed stops only and stay
	// out of the live registry
	if !transaction.IsFinished {
		state.transactions[transactionId] = ts
	}
	return ts
}

func (h *SystemHandler) OnMeterValues(tenant, chargePointId string, request *core.MeterValuesRequest) (*core.MeterValuesResponse, error) {
	state, ok := h.getChargePoint(tenant, chargePointId)
	if !ok {
		return core.NewMeterValuesResponse(), nil
	}
	connectorId := h.normalizeConnectorId(tenant, chargePointId, state, request.ConnectorId, request.GetFeatureName())
	if connectorId == 0 {
		// readings for the main controller carry no session data
		return core.NewMeterValuesResponse(), nil
	}
	connector := h.getConnector(tenant, state, connectorId)
	connector.Lock()
	defer connector.Unlock()

	transactionId := connector.CurrentTransactionId
	if request.TransactionId != nil && *request.TransactionId != transactionId {
		// the connector's registered transaction is authoritative
		h.logger.Warn(fmt.Sprintf("%s: request carries transaction #%d, connector %d holds #%d", request.GetFeatureName(), *request.TransactionId, connectorId, transactionId))
		counters.CountRepairedAnomaly(metricsTenant(tenant), chargePointId, "transaction_mismatch")
		h.notifyAnomaly(tenant, chargePointId, transactionId, fmt.Sprintf("meter values reported for transaction #%d, bound to #%d", *request.TransactionId, transactionId))
	}
	if transactionId < 0 {
		h.logger.FeatureEvent(request.GetFeatureName(), chargePointId, fmt.Sprintf("no active transaction on connector %d, readings ignored", connectorId))
		return core.NewMeterValuesResponse(), nil
	}
	ts := h.findTransaction(tenant, state, transactionId)
	if ts == nil {
		h.logger.Warn(fmt.Sprintf("transaction #%d not found", transactionId))
		return core.NewMeterValuesResponse(), nil
	}

	transaction := ts.transaction
	transaction.Lock()
	defer transaction.Unlock()
	previousLevel := ts.engine.Totals().Level

	for _, value := range request.MeterValue {
		if value.Timestamp == nil {
			continue
		}
		meter := h.recordMeterValue(ts, connector, &value)
		if meter != nil {
			transaction.MeterValues = append(transaction.MeterValues, *meter)
		}
	}

	totals := ts.engine.Totals()
	transaction.Consumed = totals.Consumed
	transaction.CurrentPrice = totals.Price
	transaction.Inactivity = totals.Inactivity
	transaction.InactivityStatus = string(totals.Level)
	transaction.CurrentSoC = totals.SoC

	if totals.Level != previousLevel && totals.Level != consumption.LevelInfo {
		h.notifyAnomaly(tenant, chargePointId, transaction.Id, fmt.Sprintf("inactivity reached %s after %d seconds", totals.Level, totals.Inactivity))
	}

	if h.database != nil {
		if err := h.database.UpdateTransaction(tenant, transaction); err != nil {
			h.logger.Error("update transaction", err)
		}
	}

	h.logger.FeatureEvent(request.GetFeatureName(), chargePointId, fmt.Sprintf("transaction #%d: consumed %d Wh, inactivity %d s", transaction.Id, totals.Consumed, totals.Inactivity))
	return core.NewMeterValuesResponse(), nil
}

// recordMeterValue folds one timestamped reading into the session and returns
// the stored sample, nil when the entry carried nothing the engine tracks.
func (h *SystemHandler) recordMeterValue(ts *transactionState, connector *models.Connector, value *types.MeterValue) *models.TransactionMeter {
	meter := models.NewMeter(ts.transaction.Id, connector.Id, connector.Status, value.Timestamp.Time)
	recognized := false
	for _, sample := range value.SampledValue {
		switch {
		case sample.Measurand == types.MeasurandSoC:
			soc := &models.TransactionMeter{
				Value:     utility.ToInt(sample.Value),
				Measurand: string(types.MeasurandSoC),
				Context:   string(sample.Context),
				Time:      value.Timestamp.Time,
			}
			ts.engine.Apply(soc)
			meter.BatteryLevel = soc.Value
			recognized = true
		case sample.Measurand == types.MeasurandPowerActiveImport:
			meter.PowerRate = powerInWatts(&sample)
			recognized = true
		case sample.IsEnergyRegister():
			meter.Value = energyInWh(&sample)
			meter.Measurand = string(types.MeasurandEnergyActiveImportRegister)
			meter.Unit = string(types.UnitOfMeasureWh)
			meter.Context = string(sample.Context)
			ts.engine.Apply(meter)
			recognized = true
		}
	}
	if !recognized {
		return nil
	}
	return meter
}

func energyInWh(sample *types.SampledValue) int {
	value := utility.ToInt(sample.Value)
	if sample.Unit == types.UnitOfMeasureKWh {
		value = value * 1000
	}
	return value
}

func powerInWatts(sample *types.SampledValue) int {
	value := utility.ToInt(sample.Value)
	if sample.Unit == types.UnitOfMeasureKW {
		value = value * 1000
	}
	return value
}

func (h *SystemHandler) OnStopTransaction(tenant, chargePointId string, request *core.StopTransactionRequest) (*core.StopTransactionResponse, error) {
	state, ok := h.getChargePoint(tenant, chargePointId)
	if !ok {
		return core.NewStopTransactionResponse(), nil
	}

	ts := h.findTransaction(tenant, state, request.TransactionId)
	if ts == nil {
		h.logger.Warn(fmt.Sprintf("transaction #%v not found", request.TransactionId))
		return core.NewStopTransactionResponse(), nil
	}
	transaction := ts.transaction

	lock := models.NewLock(tenant, "connector", fmt.Sprintf("%s:%d", chargePointId, transaction.ConnectorId), "stop-transaction")
	acquired, release := h.acquireLock(lock)
	if !acquired {
		h.logger.FeatureEvent(request.GetFeatureName(), chargePointId, fmt.Sprintf("connector %d is locked by another operation", transaction.ConnectorId))
		response := core.NewStopTransactionResponse()
		response.IdTagInfo = types.NewIdTagInfo(types.AuthorizationStatusConcurrentTx)
		return response, nil
	}
	defer release()

	connector := h.getConnector(tenant, state, transaction.ConnectorId)
	connector.Lock()
	defer connector.Unlock()

	transaction.Lock()
	defer transaction.Unlock()
	// devices retry StopTransaction; a replay of an already finished session
	// must not touch the connector, which may be busy with a newer one
	if transaction.IsFinished {
		h.logger.Warn(fmt.Sprintf("transaction #%v is already finished", request.TransactionId))
		return core.NewStopTransactionResponse(), nil
	}

	meterStop := request.MeterStop
	timeStop := request.Timestamp.Time

	// transaction data may carry the exact begin and end register readings
	for _, data := range request.TransactionData {
		if data.Timestamp == nil {
			continue
		}
		for _, sample := range data.SampledValue {
			if !sample.IsEnergyRegister() {
				continue
			}
			if sample.Context == types.ReadingContextTransactionBegin {
				transaction.MeterStart = energyInWh(&sample)
				transaction.TimeStart = data.Timestamp.Time
			}
			if sample.Context == types.ReadingContextTransactionEnd {
				meterStop = energyInWh(&sample)
				timeStop = data.Timestamp.Time
			}
		}
	}

	if last := transaction.LastMeterValue(); last != nil && meterStop < last.Value {
		h.logger.Warn(fmt.Sprintf("transaction #%d: meter stop %d below last sample %d, clamped", transaction.Id, meterStop, last.Value))
		counters.CountRepairedAnomaly(metricsTenant(tenant), chargePointId, "meter_stop_regression")
		h.notifyAnomaly(tenant, chargePointId, transaction.Id, fmt.Sprintf("meter stop %d below last sample %d", meterStop, last.Value))
	}

	stop := ts.engine.Finalize(meterStop, timeStop)

	_, plainTag := models.SplitIdTag(request.IdTag)
	transaction.IsFinished = true
	transaction.Consumed = stop.Consumed
	transaction.CurrentPrice = stop.Price
	transaction.Inactivity = stop.Inactivity
	transaction.InactivityStatus = string(stop.Level)
	transaction.Stop = &models.TransactionStop{
		IdTag:            plainTag,
		Username:         transaction.Username,
		MeterStop:        meterStop,
		TimeStop:         timeStop,
		Reason:           string(request.Reason),
		TotalConsumed:    stop.Consumed,
		TotalInactivity:  stop.Inactivity,
		ExtraInactivity:  stop.ExtraInactivity,
		InactivityStatus: string(stop.Level),
		Price:            consumption.RoundPrice(stop.Price),
	}

	if h.database != nil {
		if err := h.database.UpdateTransaction(tenant, transaction); err != nil {
			h.logger.Error("update transaction", err)
		}
	}

	if connector.CurrentTransactionId == transaction.Id {
		connector.CurrentTransactionId = -1
		connector.CurrentIdTag = ""
		if h.database != nil {
			if err := h.database.UpdateConnector(tenant, connector); err != nil {
				h.logger.Error("update connector", err)
			}
		}
	}

	delete(state.transactions, transaction.Id)
	counters.ObserveTransactions(metricsTenant(tenant), len(state.transactions))
	counters.CountConsumedPower(metricsTenant(tenant), chargePointId, float64(stop.Consumed))

	if h.eventHandler != nil {
		h.eventHandler.OnTransactionStop(&internal.EventMessage{
			Type:          "transaction-stop",
			Tenant:        tenant,
			ChargePointId: chargePointId,
			ConnectorId:   transaction.ConnectorId,
			Time:          transaction.TimeStart,
			Username:      transaction.Username,
			IdTag:         transaction.IdTag,
			Status:        connector.Status,
			TransactionId: transaction.Id,
			Info:          fmt.Sprintf("consumed %0.1f kW, price %s", float64(stop.Consumed)/1000, utility.PriceAsString(transaction.Stop.Price)),
			Payload:       request,
		})
	}

	h.logger.FeatureEvent(request.GetFeatureName(), chargePointId, fmt.Sprintf("stopped transaction %v %v", request.TransactionId, request.Reason))
	return core.NewStopTransactionResponse(), nil
}

func (h *SystemHandler) OnStatusNotification(tenant, chargePointId string, request *core.StatusNotificationRequest) (*core.StatusNotificationResponse, error) {
	state, ok := h.getChargePoint(tenant, chargePointId)
	if !ok {
		return core.NewStatusNotificationResponse(), nil
	}
	currentTransactionId := 0
	state.errorCode = request.ErrorCode
	if request.ConnectorId > 0 {
		connector := h.getConnector(tenant, state, request.ConnectorId)
		connector.Lock()
		defer connector.Unlock()
		connector.Status = string(request.Status)
		connector.StatusTime = time.Now()
		connector.Info = request.Info
		connector.VendorId = request.VendorId
		connector.ErrorCode = string(request.ErrorCode)
		if request.Status == core.ChargePointStatusAvailable {
			connector.CurrentTransactionId = -1
		}
		if h.database != nil {
			if err := h.database.UpdateConnector(tenant, connector); err != nil {
				h.logger.Error("update status", err)
			}
		}
		currentTransactionId = connector.CurrentTransactionId
		h.logger.FeatureEvent(request.GetFeatureName(), chargePointId, fmt.Sprintf("updated connector #%v status to %v", request.ConnectorId, request.Status))
	} else {
		state.status = request.Status
		state.model.Status = string(request.Status)
		state.model.Info = request.Info
		state.model.ErrorCode = string(request.ErrorCode)
		if h.database != nil {
			if err := h.database.UpdateChargePoint(tenant, &state.model); err != nil {
				h.logger.Error("update status", err)
			}
		}
		h.logger.FeatureEvent(request.GetFeatureName(), chargePointId, fmt.Sprintf("updated main controller status to %v", request.Status))
	}

	if h.eventHandler != nil {
		h.eventHandler.OnStatusNotification(&internal.EventMessage{
			Type:          "status",
			Tenant:        tenant,
			ChargePointId: chargePointId,
			ConnectorId:   request.ConnectorId,
			Time:          time.Now(),
			Status:        string(request.Status),
			TransactionId: currentTransactionId,
			Payload:       request,
		})
	}

	return core.NewStatusNotificationResponse(), nil
}
