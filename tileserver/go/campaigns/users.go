package campaigns

import (
	"context"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"go.lapig.org/tiles/go/alogin/basicauth"
	"go.lapig.org/tiles/go/roles"
	"go.lapig.org/tiles/go/skerr"
)

const usersCollection = "users"

// userDoc is the stored shape of an admin account.
type userDoc struct {
	Email    string   `bson:"email"`
	Password string   `bson:"password"`
	Roles    []string `bson:"roles"`
}

func (d userDoc) user() basicauth.User {
	var rs roles.Roles
	for _, s := range d.Roles {
		if role := roles.RoleFromString(s); role != roles.InvalidRole {
			rs = append(rs, role)
		}
	}
	return basicauth.User{
		Email:    d.Email,
		Password: d.Password,
		Roles:    rs,
	}
}

// MongoUserStore implements basicauth.UserStore over the users collection of
// the campaign database.
type MongoUserStore struct {
	users *mongo.Collection
}

// NewMongoUserStore returns a UserStore reading the named database.
func NewMongoUserStore(client *mongo.Client, database string) *MongoUserStore {
	return &MongoUserStore{
		users: client.Database(database).Collection(usersCollection),
	}
}

// LookupUser implements basicauth.UserStore.
func (s *MongoUserStore) LookupUser(ctx context.Context, email string) (basicauth.User, error) {
	var doc userDoc
	err := s.users.FindOne(ctx, bson.M{"email": email}).Decode(&doc)
	if err != nil {
		return basicauth.User{}, skerr.Wrapf(err, "looking up user %q", email)
	}
	return doc.user(), nil
}

// MemoryUserStore is an in-memory basicauth.UserStore for tests.
type MemoryUserStore struct {
	mutex sync.Mutex
	users map[string]basicauth.User
}

// NewMemoryUserStore returns an empty MemoryUserStore.
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{users: map[string]basicauth.User{}}
}

// PutUser adds or replaces an account.
func (s *MemoryUserStore) PutUser(user basicauth.User) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.users[user.Email] = user
}

// LookupUser implements basicauth.UserStore.
func (s *MemoryUserStore) LookupUser(ctx context.Context, email string) (basicauth.User, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	user, ok := s.users[email]
	if !ok {
		return basicauth.User{}, skerr.Fmt("no such user %q", email)
	}
	return user, nil
}

var _ basicauth.UserStore = (*MongoUserStore)(nil)
var _ basicauth.UserStore = (*MemoryUserStore)(nil)
