package queue

// CallRequest is the message a campaign worker pushes onto the call_requests
// list for the external call agent. Field names follow the agent's wire
// format.
type CallRequest struct {
	CallID       string `json:"callId"`
	TenantID     string `json:"tenantId"`
	CampaignID   string `json:"campaignId"`
	CampaignCode string `json:"campaignCode"`
	ScriptID     string `json:"scriptId"`
	LeadID       string `json:"leadId"`
	PhoneNumber  string `json:"leadPhoneNumber"`
	LeadName     string `json:"leadName,omitempty"`

	IsRetry        bool   `json:"isRetry"`
	OriginalCallID string `json:"originalCallId,omitempty"`
	Attempt        int    `json:"attempt"`
	MaxAttempts    int    `json:"maxAttempts"`
	RetryInterval  int    `json:"retryInterval"` // seconds

	Timestamp string `json:"timestamp"` // ISO-8601
}

// CallCallback is the outcome the call agent pushes onto the call_callbacks
// list once a request has been handled.
type CallCallback struct {
	CallID        string `json:"callId"`
	CampaignID    string `json:"campaignId"`
	LeadID        string `json:"leadId"`
	PhoneNumber   string `json:"leadPhoneNumber"`
	Status        string `json:"status"`
	Attempt       int    `json:"attempt"`
	MaxAttempts   int    `json:"maxAttempts"`
	RetryInterval int    `json:"retryInterval"` // seconds
	Duration      int    `json:"duration,omitempty"`
	Timestamp     string `json:"timestamp"`
}
