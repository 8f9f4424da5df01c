package main

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/thurmanlabs/settlement_backend/config"
	"github.com/thurmanlabs/settlement_backend/middlewares"
	"github.com/thurmanlabs/settlement_backend/models"
	"github.com/thurmanlabs/settlement_backend/utils"
	"github.com/thurmanlabs/settlement_backend/workflow"
)

var validate = validator.New()

func registerRoutes(r *gin.Engine) {
	r.POST("/auth/signup", signupHandler())
	r.POST("/auth/login", loginHandler())

	packages := r.Group("/packages")
	{
		packages.GET("", listActivePackagesHandler())
		packages.GET("/:id", getPackageHandler())
		packages.GET("/:id/holders", getHoldersHandler())
		packages.GET("/:id/balances/:holder", getBalanceHandler())
		packages.GET("/:id/escrow", getEscrowHandler())
		packages.GET("/:id/escrow/can-settle", canSettleHandler())
		packages.GET("/:id/snapshots", getSnapshotsHandler())
		packages.GET("/:id/snapshots/latest", getLatestSnapshotHandler())
		packages.GET("/:id/distribution", calculateDistributionHandler())
		packages.GET("/:id/report", investorReportHandler())

		authed := packages.Group("", middlewares.RequireAuth())
		{
			authed.POST("", createPackageHandler())
			authed.POST("/:id/status", updateStatusHandler())
			authed.POST("/:id/default", markDefaultedHandler())
			authed.POST("/:id/mint", mintHandler())
			authed.POST("/:id/burn", burnHandler())
			authed.POST("/:id/escrow/tokens", depositTokensHandler())
			authed.POST("/:id/escrow/deposit", depositUSDCHandler())
			authed.POST("/:id/escrow/settle", settleHandler())
			authed.POST("/:id/escrow/refund", refundHandler())
			authed.POST("/:id/payments", recordPaymentHandler())
			authed.POST("/:id/distributions/:seq", distributePaymentHandler())
			authed.POST("/loan-tape", uploadLoanTapeHandler())
		}
	}

	admin := r.Group("/internal", middlewares.RequireAuth(), middlewares.RequireAdmin())
	{
		admin.POST("/ops/outbox/redrive", outboxRedriveHandler())
		admin.POST("/users/:wallet/kyc", setKycStatusHandler())
	}
}

// protocolErrorStatus maps typed protocol errors onto HTTP statuses so
// clients can branch without parsing messages.
func protocolErrorStatus(err error) (int, string) {
	var (
		notFound       *models.PackageNotFoundError
		exists         *models.PackageAlreadyExistsError
		invalidSupply  *models.InvalidTotalSupplyError
		invalidPrice   *models.InvalidSalePriceError
		badTransition  *models.InvalidStatusTransitionError
		notSeller      *models.NotPackageSellerError
		notOperator    *models.NotAuthorizedOperatorError
		kyc            *models.KycNotApprovedError
		lowBalance     *models.InsufficientBalanceError
		badTokenAmount *models.InvalidTokenAmountError
		escrowed       *models.PackageAlreadyEscrowedError
		notEscrowed    *models.PackageNotEscrowedError
		settled        *models.PackageAlreadySettledError
		zeroDeposit    *models.ZeroDepositError
		lowDeposits    *models.InsufficientDepositsError
		transferFailed *models.TransferFailedError
		notActive      *models.PackageNotActiveError
		zeroPayment    *models.ZeroPaymentError
		mismatch       *models.PaymentMismatchError
		noSnapshots    *models.NoSnapshotsError
	)
	switch {
	case errors.As(err, &notFound), errors.As(err, &noSnapshots):
		return http.StatusNotFound, "not_found"
	case errors.As(err, &notSeller), errors.As(err, &notOperator):
		return http.StatusForbidden, "forbidden"
	case errors.As(err, &kyc):
		return http.StatusForbidden, "kyc_required"
	case errors.As(err, &exists), errors.As(err, &escrowed),
		errors.As(err, &settled), errors.As(err, &badTransition):
		return http.StatusConflict, "conflict"
	case errors.As(err, &invalidSupply), errors.As(err, &invalidPrice),
		errors.As(err, &badTokenAmount), errors.As(err, &zeroDeposit),
		errors.As(err, &zeroPayment), errors.As(err, &mismatch),
		errors.As(err, &notEscrowed), errors.As(err, &notActive),
		errors.As(err, &lowDeposits), errors.As(err, &lowBalance):
		return http.StatusUnprocessableEntity, "invalid_operation"
	case errors.As(err, &transferFailed):
		return http.StatusBadGateway, "transfer_failed"
	case errors.Is(err, workflow.ErrIdempotencyInProgress):
		return http.StatusConflict, "in_progress"
	}
	return http.StatusInternalServerError, "internal_error"
}

func respondProtocolError(c *gin.Context, err error) {
	status, code := protocolErrorStatus(err)
	c.JSON(status, gin.H{"error": err.Error(), "code": code})
}

func packageIdParam(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid package id"})
		return 0, false
	}
	return id, true
}

type signupRequest struct {
	WalletAddress string `json:"wallet_address" validate:"required,min=4,max=64"`
	Password      string `json:"password" validate:"required,min=8"`
	Role          string `json:"role" validate:"required,oneof=buyer seller"`
	CompanyName   string `json:"company_name" validate:"max=255"`
}

func signupHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req signupRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := validate.Struct(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		hashed, err := utils.HashPassword(req.Password)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not hash password"})
			return
		}
		user := models.User{
			WalletAddress: utils.NormalizeAddress(req.WalletAddress),
			Role:          models.UserRole(req.Role),
			KycStatus:     models.KycStatusNotStarted,
			CompanyName:   req.CompanyName,
			Password:      string(hashed),
			IsActive:      utils.NewTrue(),
		}
		if err := config.GetDB().WithContext(c.Request.Context()).Create(&user).Error; err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": "wallet already registered"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"id": user.ID, "wallet_address": user.WalletAddress})
	}
}

type loginRequest struct {
	WalletAddress string `json:"wallet_address" binding:"required"`
	Password      string `json:"password" binding:"required"`
}

func loginHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		user, err := models.GetUserByWallet(c.Request.Context(), config.GetDB(), utils.NormalizeAddress(req.WalletAddress))
		if err != nil || user == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		if user.IsActive != nil && !*user.IsActive {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "account disabled"})
			return
		}
		if err := utils.ComparePassword(user.Password, req.Password); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		token, err := utils.JwtGenerate(user.ID, user.WalletAddress, string(user.Role))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not issue token"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": token, "role": user.Role, "kyc_status": user.KycStatus})
	}
}

func createPackageHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input workflow.NewLoanPackage
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		pkg, err := workflow.CreatePackage(c.Request.Context(), config.GetDB(), config.GetLogger(), input)
		if err != nil {
			respondProtocolError(c, err)
			return
		}
		c.JSON(http.StatusCreated, pkg)
	}
}

func listActivePackagesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ids, err := models.GetActivePackages(c.Request.Context(), config.GetDB())
		if err != nil {
			respondProtocolError(c, err)
			return
		}
		// Batch-load the rows through the request loaders.
		result := make([]*models.LoanPackage, 0, len(ids))
		for _, id := range ids {
			pkg, err := middlewares.GetPackage(c.Request.Context(), id)
			if err != nil {
				respondProtocolError(c, err)
				return
			}
			result = append(result, pkg)
		}
		c.JSON(http.StatusOK, gin.H{"packages": result})
	}
}

func getPackageHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := packageIdParam(c)
		if !ok {
			return
		}
		pkg, err := middlewares.GetPackage(c.Request.Context(), id)
		if err != nil {
			respondProtocolError(c, err)
			return
		}
		state, err := middlewares.GetEscrowState(c.Request.Context(), id)
		if err != nil {
			respondProtocolError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"package": pkg, "escrow": state})
	}
}

func getHoldersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := packageIdParam(c)
		if !ok {
			return
		}
		if _, err := middlewares.GetPackage(c.Request.Context(), id); err != nil {
			respondProtocolError(c, err)
			return
		}
		holders, err := middlewares.GetHolders(c.Request.Context(), id)
		if err != nil {
			respondProtocolError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"holders": holders})
	}
}

func getBalanceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := packageIdParam(c)
		if !ok {
			return
		}
		holder := utils.NormalizeAddress(c.Param("holder"))
		balance, err := models.BalanceOf(config.GetDB().WithContext(c.Request.Context()), holder, id)
		if err != nil {
			respondProtocolError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"package_id": id, "holder": holder, "balance": balance})
	}
}

type statusRequest struct {
	Status string `json:"status" binding:"required"`
}

func updateStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := packageIdParam(c)
		if !ok {
			return
		}
		var req statusRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		status, err := models.ParsePackageStatus(req.Status)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := workflow.UpdateStatus(c.Request.Context(), config.GetDB(), config.GetLogger(), id, status); err != nil {
			respondProtocolError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"package_id": id, "status": status})
	}
}

func markDefaultedHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := packageIdParam(c)
		if !ok {
			return
		}
		if err := workflow.MarkDefaulted(c.Request.Context(), config.GetDB(), config.GetLogger(), id); err != nil {
			respondProtocolError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"package_id": id, "status": models.PackageStatusDefaulted})
	}
}

type supplyRequest struct {
	Holder string          `json:"holder" binding:"required"`
	Amount decimal.Decimal `json:"amount" binding:"required"`
}

func mintHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := packageIdParam(c)
		if !ok {
			return
		}
		var req supplyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := workflow.MintTokens(c.Request.Context(), config.GetDB(), config.GetLogger(), id, req.Holder, req.Amount); err != nil {
			respondProtocolError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"package_id": id, "holder": req.Holder, "minted": req.Amount})
	}
}

func burnHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := packageIdParam(c)
		if !ok {
			return
		}
		var req supplyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := workflow.BurnTokens(c.Request.Context(), config.GetDB(), config.GetLogger(), id, req.Holder, req.Amount); err != nil {
			respondProtocolError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"package_id": id, "holder": req.Holder, "burned": req.Amount})
	}
}

type depositTokensRequest struct {
	TokenAmount decimal.Decimal `json:"token_amount" binding:"required"`
}

func depositTokensHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := packageIdParam(c)
		if !ok {
			return
		}
		var req depositTokensRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := workflow.DepositTokens(c.Request.Context(), config.GetDB(), config.GetLogger(), id, req.TokenAmount); err != nil {
			respondProtocolError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"package_id": id, "escrowed_tokens": req.TokenAmount})
	}
}

type depositUSDCRequest struct {
	Amount decimal.Decimal `json:"amount" binding:"required"`
}

func depositUSDCHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := packageIdParam(c)
		if !ok {
			return
		}
		var req depositUSDCRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := workflow.DepositUSDC(c.Request.Context(), config.GetDB(), config.GetLogger(), id, req.Amount, nil); err != nil {
			respondProtocolError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"package_id": id, "deposited": req.Amount})
	}
}

func getEscrowHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := packageIdParam(c)
		if !ok {
			return
		}
		if _, err := middlewares.GetPackage(c.Request.Context(), id); err != nil {
			respondProtocolError(c, err)
			return
		}
		db := config.GetDB().WithContext(c.Request.Context())
		state, err := models.GetEscrowState(db, id)
		if err != nil {
			respondProtocolError(c, err)
			return
		}
		positions, err := models.GetEscrowPositions(db, id)
		if err != nil {
			respondProtocolError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"state": state, "positions": positions})
	}
}

func canSettleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := packageIdParam(c)
		if !ok {
			return
		}
		canSettle, err := workflow.CanSettle(c.Request.Context(), config.GetDB(), id)
		if err != nil {
			respondProtocolError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"package_id": id, "can_settle": canSettle})
	}
}

func settleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := packageIdParam(c)
		if !ok {
			return
		}
		ctx, span := tracer.Start(c.Request.Context(), "escrow.settle")
		defer span.End()
		// Best-effort fast path: keep concurrent settle cranks for the same
		// package from piling up on the DB advisory lock.
		err := workflow.WithProcessingLock(ctx, config.GetLogger(), fmt.Sprintf("lock:settle:%d", id), func() error {
			return workflow.Settle(ctx, config.GetDB(), config.GetLogger(), id, nil)
		})
		if err != nil {
			span.RecordError(err)
			respondProtocolError(c, err)
			return
		}
		cid, _ := utils.GetCorrelationIdFromContext(ctx)
		c.JSON(http.StatusOK, gin.H{"package_id": id, "settled": true, "correlation_id": cid})
	}
}

func refundHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := packageIdParam(c)
		if !ok {
			return
		}
		if err := workflow.Refund(c.Request.Context(), config.GetDB(), config.GetLogger(), id, nil); err != nil {
			respondProtocolError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"package_id": id, "refunded": true})
	}
}

func recordPaymentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := packageIdParam(c)
		if !ok {
			return
		}
		var input workflow.PaymentInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		snapshot, err := workflow.RecordPayment(c.Request.Context(), config.GetDB(), config.GetLogger(), id, input, nil)
		if err != nil {
			respondProtocolError(c, err)
			return
		}
		c.JSON(http.StatusCreated, snapshot)
	}
}

func getSnapshotsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := packageIdParam(c)
		if !ok {
			return
		}
		if _, err := middlewares.GetPackage(c.Request.Context(), id); err != nil {
			respondProtocolError(c, err)
			return
		}
		snapshots, err := middlewares.GetSnapshots(c.Request.Context(), id)
		if err != nil {
			respondProtocolError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"snapshots": snapshots})
	}
}

func getLatestSnapshotHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := packageIdParam(c)
		if !ok {
			return
		}
		snapshot, err := models.GetLatestSnapshot(config.GetDB().WithContext(c.Request.Context()), id)
		if err != nil {
			respondProtocolError(c, err)
			return
		}
		c.JSON(http.StatusOK, snapshot)
	}
}

func calculateDistributionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := packageIdParam(c)
		if !ok {
			return
		}
		holder := c.Query("holder")
		amountStr := c.Query("amount")
		if holder == "" || amountStr == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "holder and amount are required"})
			return
		}
		amount, err := decimal.NewFromString(amountStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}
		share, err := workflow.CalculateDistribution(c.Request.Context(), config.GetDB(), id, holder, amount)
		if err != nil {
			respondProtocolError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"package_id": id, "holder": holder, "share": share})
	}
}

func distributePaymentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := packageIdParam(c)
		if !ok {
			return
		}
		seq, err := strconv.Atoi(c.Param("seq"))
		if err != nil || seq <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid sequence number"})
			return
		}
		ctx := c.Request.Context()
		err = workflow.WithProcessingLock(ctx, config.GetLogger(), fmt.Sprintf("lock:distribute:%d:%d", id, seq), func() error {
			return workflow.DistributePayment(ctx, config.GetDB(), config.GetLogger(), id, seq, nil)
		})
		if err != nil {
			respondProtocolError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"package_id": id, "sequence_no": seq, "distributed": true})
	}
}

func investorReportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := packageIdParam(c)
		if !ok {
			return
		}
		f, err := workflow.BuildInvestorReport(c.Request.Context(), config.GetDB(), id)
		if err != nil {
			respondProtocolError(c, err)
			return
		}
		c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		c.Header("Content-Disposition", "attachment; filename=package-"+strconv.Itoa(id)+"-report.xlsx")
		if err := f.Write(c.Writer); err != nil {
			c.Status(http.StatusInternalServerError)
		}
	}
}

type outboxRedriveRequest struct {
	PackageId int `json:"package_id"`
}

func outboxRedriveHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req outboxRedriveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		count, err := workflow.RedriveDeadEvents(c.Request.Context(), config.GetDB(), req.PackageId)
		if err != nil {
			respondProtocolError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"redriven": count})
	}
}

type kycStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

func setKycStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		wallet := utils.NormalizeAddress(c.Param("wallet"))
		var req kycStatusRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		status := models.KycStatus(req.Status)
		switch status {
		case models.KycStatusNotStarted, models.KycStatusPending, models.KycStatusApproved, models.KycStatusRejected:
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid kyc status"})
			return
		}
		result := config.GetDB().WithContext(c.Request.Context()).
			Model(&models.User{}).Where("wallet_address = ?", wallet).
			Update("kyc_status", status)
		if result.Error != nil {
			respondProtocolError(c, result.Error)
			return
		}
		if result.RowsAffected == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"wallet_address": wallet, "kyc_status": status})
	}
}
