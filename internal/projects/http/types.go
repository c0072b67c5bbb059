package http

type createReq struct {
	IP      string `json:"ip"`
	Port    int    `json:"port"`
	Version string `json:"version"`
	Type    string `json:"type"`
}
