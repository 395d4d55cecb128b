package domain

type RouterRequestProcessProvider struct {
	ProviderID int32   `json:"provider_id" form:"provider_id" binding:"required"`
	Priority   *string `json:"priority" form:"priority" binding:"omitempty,validate_priority"`
}

type RouterRequestUpdateWorkerConfig struct {
	Name                  *string  `json:"name" binding:"omitempty,min=1"`
	AutoApprovalEnabled   *bool    `json:"auto_approval_enabled"`
	AutoApprovalThreshold *float64 `json:"auto_approval_threshold" binding:"omitempty,gte=0,lte=100"`
}

type RouterRequestUpdateWorkerStatus struct {
	IsActive *bool `json:"is_active" binding:"required"`
}
