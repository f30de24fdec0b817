package imapsession

import "github.com/emersion/go-sasl"

// xoauth2Client implements the XOAUTH2 SASL mechanism (a single
// initial-response exchange, RFC-less but widely deployed by Gmail and
// Microsoft). Not provided by go-sasl itself.
type xoauth2Client struct {
	username    string
	accessToken string
}

func newXOAuth2Client(username, accessToken string) sasl.Client {
	return &xoauth2Client{username: username, accessToken: accessToken}
}

func (c *xoauth2Client) Start() (mech string, ir []byte, err error) {
	ir = []byte("user=" + c.username + "\x01auth=Bearer " + c.accessToken + "\x01\x01")
	return "XOAUTH2", ir, nil
}

// Next handles the server's (optional) JSON error challenge by responding
// with an empty message, which per the XOAUTH2 protocol aborts the
// exchange cleanly instead of hanging.
func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	return []byte{}, nil
}
