package reconcile

import (
	"fmt"
	"sync"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// Session holds the transport credentials for one client. Some gateway
// payloads carry a token refresh as a side channel on an entity patch;
// that refresh always lands here through the explicit Refresh call, never
// as an implicit effect of an entity merge.
//
// The token is parsed unverified. Verification happens on the platform
// side; the client only needs the claims for display and expiry checks.
type Session struct {
	stateLock  sync.Mutex
	token      string
	userId     Id
	expireTime time.Time
}

func NewSession() *Session {
	return &Session{}
}

func (self *Session) Refresh(token string) error {
	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return fmt.Errorf("Bad session token: %w", err)
	}
	claims := parsed.Claims.(gojwt.MapClaims)

	userId := Id{}
	if userIdStr, ok := claims["user_id"].(string); ok {
		if parsedUserId, err := ParseId(userIdStr); err == nil {
			userId = parsedUserId
		}
	}
	expireTime := time.Time{}
	if numericDate, err := claims.GetExpirationTime(); err == nil && numericDate != nil {
		expireTime = numericDate.Time
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.token = token
	self.userId = userId
	self.expireTime = expireTime
	return nil
}

func (self *Session) Token() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.token
}

func (self *Session) UserId() Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.userId
}

func (self *Session) ExpireTime() time.Time {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.expireTime
}
