package http

type credentialsReq struct {
	Username string `json:"username"`
	Password string `json:"password"`
}
