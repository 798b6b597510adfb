package node

import "github.com/gin-gonic/gin"

// Node is an addressable HTTP process in a meshctl deployment, such as
// the roster service or a participant's attached debug surface.
type Node interface {
	NodeID() string
	Kind() string
	HTTPRouter() *gin.Engine
	RegisterRoutes()
}
